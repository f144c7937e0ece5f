package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fleetcheck/internal/config"
)

// pluginBinary renders an SSM session's bidirectional stream as a local
// interactive terminal. Installed alongside the AWS CLI.
const pluginBinary = "session-manager-plugin"

const promptTimeout = 30 * time.Second

// ssmTransport obtains interactive shells through the AWS SSM control
// plane: StartSession hands back a session id, stream URL and token that
// the session-manager-plugin helper process turns into a byte stream.
type ssmTransport struct {
	// One client per region, shared read-only after construction.
	clients map[string]*ssm.Client
}

// NewSSM builds a session executor over SSM-managed instances. All nodes
// must declare the ssm transport kind.
func NewSSM(ctx context.Context, nodes []config.Node) (*SessionExecutor, error) {
	clients := make(map[string]*ssm.Client)
	for _, n := range nodes {
		region := n.Transport.Region
		if region == "" || clients[region] != nil {
			continue
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("executor: aws config for region %s: %w", region, err)
		}
		clients[region] = ssm.NewFromConfig(cfg)
	}
	return newSessionExecutor(nodes, &ssmTransport{clients: clients})
}

func (t *ssmTransport) Kind() config.TransportKind {
	return config.TransportSSM
}

func (t *ssmTransport) Dial(ctx context.Context, node config.Node) (*shellConn, error) {
	client, ok := t.clients[node.Transport.Region]
	if !ok {
		return nil, fmt.Errorf("no ssm client for region %q", node.Transport.Region)
	}

	started, err := client.StartSession(ctx, &ssm.StartSessionInput{
		Target: aws.String(node.Transport.InstanceID),
	})
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", node.Transport.InstanceID, err)
	}
	if started.SessionId == nil || started.TokenValue == nil || started.StreamUrl == nil {
		return nil, fmt.Errorf("start session for %s: response missing session credentials",
			node.Transport.InstanceID)
	}

	conn, err := t.spawnPlugin(node, started)
	if err != nil {
		terminateSession(client, *started.SessionId)
		return nil, err
	}

	if err := t.handshake(ctx, node, conn); err != nil {
		conn.kill()
		terminateSession(client, *started.SessionId)
		return nil, err
	}
	return conn, nil
}

// spawnPlugin launches the helper process wired to the started session.
// Its argument order mirrors what the AWS CLI passes.
func (t *ssmTransport) spawnPlugin(node config.Node, started *ssm.StartSessionOutput) (*shellConn, error) {
	region := node.Transport.Region
	sessionJSON, err := json.Marshal(map[string]string{
		"SessionId":  *started.SessionId,
		"TokenValue": *started.TokenValue,
		"StreamUrl":  *started.StreamUrl,
	})
	if err != nil {
		return nil, err
	}
	requestJSON, err := json.Marshal(map[string]string{"Target": node.Transport.InstanceID})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("https://ssm.%s.amazonaws.com", region)

	cmd := exec.Command(pluginBinary,
		string(sessionJSON), region, "StartSession", "", string(requestJSON), endpoint)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	conn := newShellConn(*started.SessionId, stdin, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	conn.Region = region
	cmd.Stdout = conn
	cmd.Stderr = conn
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", pluginBinary, err)
	}
	go func() {
		err := cmd.Wait()
		log.Debug().Str("node", node.Name).Str("session", conn.ID).Err(err).
			Msg("session plugin exited")
		conn.markExited()
	}()
	return conn, nil
}

// handshake waits for the remote shell to become interactive and
// optionally switches to the configured user before the generic marker
// installation takes over.
func (t *ssmTransport) handshake(ctx context.Context, node config.Node, conn *shellConn) error {
	if err := conn.waitFor(ctx, promptTimeout, hasPrompt); err != nil {
		return fmt.Errorf("waiting for shell prompt: %w", err)
	}
	if user := node.Transport.User; user != "" {
		conn.consume()
		if err := conn.send("sudo su - " + user + "\n"); err != nil {
			return err
		}
		if err := conn.waitFor(ctx, promptTimeout, hasPrompt); err != nil {
			return fmt.Errorf("waiting for prompt as %s: %w", user, err)
		}
	}
	return nil
}

func hasPrompt(buf []byte) bool {
	return bytes.ContainsAny(buf, "$#")
}

func (t *ssmTransport) Terminate(ctx context.Context, conn *shellConn) error {
	client, ok := t.clients[conn.Region]
	if !ok || conn.ID == "" {
		return nil
	}
	_, err := client.TerminateSession(ctx, &ssm.TerminateSessionInput{
		SessionId: aws.String(conn.ID),
	})
	return err
}

// terminateSession is the dial-failure cleanup path; it runs on its own
// deadline because the caller's context may already be dead.
func terminateSession(client *ssm.Client, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.TerminateSession(ctx, &ssm.TerminateSessionInput{SessionId: aws.String(id)}); err != nil {
		log.Warn().Str("session", id).Err(err).Msg("terminate session failed")
	}
}
