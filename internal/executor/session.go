package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/fairlock"
)

const (
	// Shells can be slow to become interactive; commands can legitimately
	// run much longer than that.
	defaultShellTimeout   = 30 * time.Second
	defaultCommandTimeout = 10 * time.Minute
)

// sessionTransport spawns the per-node shell process for a session flavor
// and performs the transport-specific part of the handshake, up to an
// interactive prompt.
type sessionTransport interface {
	Kind() config.TransportKind
	Dial(ctx context.Context, node config.Node) (*shellConn, error)
	// Terminate tears down control-plane state for a live connection.
	// Called once on session close, before the process is killed.
	Terminate(ctx context.Context, conn *shellConn) error
}

// newMarker returns a low-collision sentinel string for prompt framing.
func newMarker() string {
	return "FLEETCHECK-" + uuid.NewString()
}

// session is one persistent interactive shell to one node.
//
// Connection creation and command execution are serialized by two
// independent FIFO locks: a slow connect never violates the one-command
// invariant, and the one-command lock never blocks a reconnect decision
// for a different caller ordering.
type session struct {
	node      config.Node
	transport sessionTransport
	marker    string

	shellTimeout time.Duration
	cmdTimeout   time.Duration

	connLock fairlock.Lock
	cmdLock  fairlock.Lock

	mu     sync.Mutex
	closed bool
	conn   *shellConn
}

func newSession(node config.Node, transport sessionTransport, marker string) *session {
	if marker == "" {
		marker = newMarker()
	}
	return &session{
		node:         node,
		transport:    transport,
		marker:       marker,
		shellTimeout: defaultShellTimeout,
		cmdTimeout:   defaultCommandTimeout,
	}
}

// Exec runs one command over the session shell, lazily connecting first.
// At most one command is in flight per session; concurrent callers queue
// in FIFO order.
func (s *session) Exec(ctx context.Context, command string, onLine LineFunc) (CommandResult, error) {
	if s.isClosed() {
		return CommandResult{}, fmt.Errorf("%w: session %s", ErrClosed, s.node.Name)
	}

	release, err := s.cmdLock.Acquire(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	defer release()

	if s.isClosed() {
		return CommandResult{}, fmt.Errorf("%w: session %s", ErrClosed, s.node.Name)
	}

	conn, err := s.ensureConn(ctx)
	if err != nil {
		return CommandResult{}, err
	}

	conn.begin(onLine)
	if err := conn.send(command + "\n" + exitEcho + "\n"); err != nil {
		conn.clearPending()
		s.dropConn(conn)
		return CommandResult{}, fmt.Errorf("executor: write to %s failed: %w", s.node.Name, err)
	}

	raw, err := conn.awaitMarker(ctx, s.marker, s.cmdTimeout, command)
	if err != nil {
		// The remote command may still be running and its late output,
		// prompt included, would land inside the next frame. The shell
		// is not reusable; the next command reconnects.
		s.dropConn(conn)
		return CommandResult{}, fmt.Errorf("executor: node %s: %w", s.node.Name, err)
	}
	res, err := parseFrame(raw, command)
	if err != nil {
		return CommandResult{}, fmt.Errorf("executor: node %s: %w", s.node.Name, err)
	}
	return res, nil
}

// exitEcho follows every command so the frame ends with the exit status
// on its own line. A command whose output lacks a trailing newline merges
// with the status line and fails frame parsing; remote commands are
// expected to end their output with a newline.
const exitEcho = "echo $?"

// ensureConn returns the live connection, creating it at most once even
// under concurrent first callers (double-checked under the connect lock).
func (s *session) ensureConn(ctx context.Context) (*shellConn, error) {
	if conn := s.liveConn(); conn != nil {
		return conn, nil
	}

	var conn *shellConn
	release, err := s.connLock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if conn = s.liveConn(); conn != nil {
		return conn, nil
	}

	log.Debug().Str("node", s.node.Name).Msg("opening shell session")
	conn, err = s.transport.Dial(ctx, s.node)
	if err != nil {
		return nil, fmt.Errorf("executor: connect to %s failed: %w", s.node.Name, err)
	}
	if err := s.installMarker(ctx, conn); err != nil {
		conn.kill()
		return nil, fmt.Errorf("executor: shell init on %s failed: %w", s.node.Name, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// installMarker disables terminal echo and replaces the shell prompt with
// the sentinel marker, preceded by a newline so that every prompt is
// anchored at a line boundary. The handshake output is discarded.
func (s *session) installMarker(ctx context.Context, conn *shellConn) error {
	cmd := fmt.Sprintf("stty -echo 2>/dev/null; unset PROMPT_COMMAND; export PS1=$'\\n%s'\n", s.marker)
	if err := conn.send(cmd); err != nil {
		return err
	}
	if err := conn.waitFor(ctx, s.shellTimeout, func(buf []byte) bool {
		return markerIndex(buf, s.marker) >= 0
	}); err != nil {
		return err
	}
	conn.consume()
	return nil
}

// liveConn returns the cached connection, clearing it first if its
// process has exited so the caller reconnects.
func (s *session) liveConn() *shellConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.hasExited() {
		s.conn = nil
	}
	return s.conn
}

// dropConn resets the session to the unconnected state so the next
// command re-creates the connection. The failed command is not retried.
func (s *session) dropConn(conn *shellConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.kill()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close waits for any in-flight command, then tears down control-plane
// state and kills the shell process. Subsequent Exec calls fail fast.
func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// An outstanding command holds the lock until it finishes or times
	// out on its own; do not orphan output its caller still expects.
	if release, err := s.cmdLock.Acquire(ctx); err == nil {
		defer release()
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	var err error
	if s.transport != nil {
		err = s.transport.Terminate(ctx, conn)
	}
	conn.kill()
	return err
}

// parseFrame converts the raw bytes of one command frame (everything up
// to the sentinel) into a CommandResult: the trailing numeric line is the
// exit status, and a leading echo of the command itself is stripped.
func parseFrame(raw, command string) (CommandResult, error) {
	lines := strings.Split(raw, "\n")

	// Trailing blank lines come from the newline-prefixed prompt.
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if end == 0 {
		return CommandResult{}, fmt.Errorf("empty command frame")
	}

	code, err := strconv.Atoi(strings.TrimSpace(lines[end-1]))
	if err != nil {
		return CommandResult{}, fmt.Errorf("no exit status in command frame: %q", lines[end-1])
	}
	lines = lines[:end-1]

	// Shells echo the command text before running it unless -echo took
	// hold. The echoed command leads the frame; the echoed exit-echo
	// trails it, right before the status region that was trimmed above.
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(command) {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == exitEcho {
		lines = lines[:len(lines)-1]
	}

	return CommandResult{Stdout: strings.Join(lines, "\n"), ExitCode: code}, nil
}

// markerIndex returns the byte offset of the first occurrence of marker
// anchored at the start of a line, or -1. A marker embedded mid-line
// (inside an echoed command, or inside command output) never matches.
func markerIndex(buf []byte, marker string) int {
	m := []byte(marker)
	from := 0
	for {
		i := bytes.Index(buf[from:], m)
		if i < 0 {
			return -1
		}
		i += from
		if i == 0 || buf[i-1] == '\n' {
			return i
		}
		from = i + 1
	}
}

// shellConn is one live shell process stream: stdin writer, accumulated
// output, and the waiter/streaming bookkeeping for the in-flight command.
type shellConn struct {
	// ID is the control-plane session identifier, when the transport has
	// one (SSM). Informational otherwise.
	ID string
	// Region is the control-plane region the session was started in.
	Region string

	stdin io.Writer
	// killProc terminates the underlying process. Set by the transport.
	killProc func()

	mu        sync.Mutex
	buf       []byte
	exited    bool
	pendingCR bool
	delivered int      // bytes of buf already streamed as whole lines
	onLine    LineFunc // nil when no command is in flight or no streaming

	notify chan struct{}
}

func newShellConn(id string, stdin io.Writer, kill func()) *shellConn {
	return &shellConn{
		ID:       id,
		stdin:    stdin,
		killProc: kill,
		notify:   make(chan struct{}, 1),
	}
}

// Write makes shellConn usable as the process stdout/stderr sink; output
// is normalized to \n line endings as it arrives.
func (c *shellConn) Write(p []byte) (int, error) {
	c.feed(p)
	return len(p), nil
}

// feed appends normalized output and streams newly completed lines,
// always withholding the two most recent: once the frame resolves they
// are the exit-status line and the blank line of the prompt prefix.
func (c *shellConn) feed(p []byte) {
	c.mu.Lock()
	for _, b := range p {
		switch b {
		case '\r':
			c.pendingCR = true
			c.buf = append(c.buf, '\n')
		case '\n':
			if c.pendingCR {
				c.pendingCR = false
				continue // \r\n already recorded as \n
			}
			c.buf = append(c.buf, '\n')
		default:
			c.pendingCR = false
			c.buf = append(c.buf, b)
		}
	}
	c.streamLocked()
	c.mu.Unlock()
	c.ping()
}

// streamLocked delivers completed-but-undelivered lines, keeping the
// last two completed lines back. Caller holds c.mu.
func (c *shellConn) streamLocked() {
	if c.onLine == nil {
		return
	}
	last := bytes.LastIndexByte(c.buf, '\n')
	if last < 0 {
		return
	}
	prev := bytes.LastIndexByte(c.buf[:last], '\n')
	if prev < 0 {
		return
	}
	// end is one past the terminator of the newest deliverable line.
	end := bytes.LastIndexByte(c.buf[:prev], '\n') + 1
	if end <= c.delivered {
		return
	}
	region := c.buf[c.delivered:end]
	for _, line := range strings.Split(string(region[:len(region)-1]), "\n") {
		c.onLine(line)
	}
	c.delivered = end
}

// flushLocked delivers every remaining completed line. Used when the
// frame resolves or the process dies mid-command. Caller holds c.mu.
func (c *shellConn) flushLocked(limit int) {
	if c.onLine == nil {
		return
	}
	if limit > len(c.buf) {
		limit = len(c.buf)
	}
	last := bytes.LastIndexByte(c.buf[:limit], '\n')
	if last <= c.delivered {
		return
	}
	for _, line := range strings.Split(string(c.buf[c.delivered:last]), "\n") {
		c.onLine(line)
	}
	c.delivered = last + 1
}

func (c *shellConn) ping() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *shellConn) send(s string) error {
	_, err := io.WriteString(c.stdin, s)
	return err
}

// begin starts a new command frame: stale bytes are dropped and the
// streaming callback is installed.
func (c *shellConn) begin(onLine LineFunc) {
	c.mu.Lock()
	c.buf = nil
	c.delivered = 0
	c.onLine = onLine
	c.mu.Unlock()
}

// clearPending detaches the streaming callback so a late-arriving marker
// cannot feed a caller that has already been rejected.
func (c *shellConn) clearPending() {
	c.mu.Lock()
	c.onLine = nil
	c.mu.Unlock()
}

// awaitMarker blocks until the sentinel appears at a line boundary, the
// timeout elapses, the context is canceled, or the process exits. On
// success it returns the frame content preceding the marker and trims
// the consumed bytes from the buffer.
func (c *shellConn) awaitMarker(ctx context.Context, marker string, timeout time.Duration, command string) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if raw, ok := c.takeFrame(marker); ok {
			return raw, nil
		}
		if c.hasExited() {
			// Deliver what completed before the stream died, then fail.
			c.mu.Lock()
			c.flushLocked(len(c.buf))
			c.onLine = nil
			c.mu.Unlock()
			return "", fmt.Errorf("%w while running %q", ErrConnExited, command)
		}
		select {
		case <-c.notify:
		case <-timer.C:
			c.clearPending()
			return "", fmt.Errorf("%w: %q after %s", ErrCommandTimeout, command, timeout)
		case <-ctx.Done():
			c.clearPending()
			return "", ctx.Err()
		}
	}
}

// takeFrame resolves a completed frame: everything before a line-anchored
// marker is returned, outstanding lines are flushed to the stream
// callback, and the buffer is trimmed past the marker.
func (c *shellConn) takeFrame(marker string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := markerIndex(c.buf, marker)
	if idx < 0 {
		return "", false
	}
	// No flush here: by the time the marker lands, every stdout line has
	// already streamed; the withheld tail is the status line and the
	// prompt's blank line.
	raw := string(c.buf[:idx])
	c.buf = append([]byte(nil), c.buf[idx+len(marker):]...)
	c.delivered = 0
	c.onLine = nil
	return raw, true
}

// waitFor polls the buffer until pred holds. Used during handshakes.
func (c *shellConn) waitFor(ctx context.Context, timeout time.Duration, pred func(buf []byte) bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		ok := pred(c.buf)
		exited := c.exited
		c.mu.Unlock()
		if ok {
			return nil
		}
		if exited {
			return ErrConnExited
		}
		select {
		case <-c.notify:
		case <-timer.C:
			return ErrShellTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume drops everything accumulated so far.
func (c *shellConn) consume() {
	c.mu.Lock()
	c.buf = nil
	c.delivered = 0
	c.mu.Unlock()
}

func (c *shellConn) markExited() {
	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()
	c.ping()
}

func (c *shellConn) hasExited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

func (c *shellConn) kill() {
	if c.killProc != nil {
		c.killProc()
	}
}
