// Package config loads and validates the fleet definition file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid fleet definition")

// Role classifies a node inside the fleet.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleBackup    Role = "backup"
)

// TransportKind selects how commands reach a node.
type TransportKind string

const (
	// TransportSSM runs commands through an interactive AWS SSM session.
	TransportSSM TransportKind = "ssm"
	// TransportSSH runs each command over a one-shot SSH connection.
	TransportSSH TransportKind = "ssh"
	// TransportLocal drives a shell subprocess on the operator machine,
	// for dry runs against the local host.
	TransportLocal TransportKind = "local"
)

// Transport is the per-node transport descriptor. Kind decides which of
// the remaining fields are required.
type Transport struct {
	Kind TransportKind `yaml:"kind"`

	// ssm
	InstanceID string `yaml:"instance_id,omitempty"`
	Region     string `yaml:"region,omitempty"`

	// ssh
	Host    string `yaml:"host,omitempty"`
	User    string `yaml:"user,omitempty"`
	KeyPath string `yaml:"key_path,omitempty"`
}

// Node is one remote target machine. Immutable after load.
type Node struct {
	Name      string    `yaml:"name"`
	Role      Role      `yaml:"role"`
	Transport Transport `yaml:"transport"`
	RPCPort   int       `yaml:"rpc_port"`
}

// EndpointPair is one external read/write endpoint pair consumed by checks.
type EndpointPair struct {
	Read  string `yaml:"read"`
	Write string `yaml:"write"`
}

// Settings holds fleet-level policy switches.
type Settings struct {
	AllowDestructive bool `yaml:"allow_destructive"`

	// Service is the systemd unit whose health the deployment check
	// verifies. Defaults to "validator".
	Service string `yaml:"service,omitempty"`
}

// Config is the loaded fleet definition.
type Config struct {
	Nodes     []Node         `yaml:"nodes"`
	Endpoints []EndpointPair `yaml:"endpoints"`
	Settings  Settings       `yaml:"settings"`
}

// Load reads, parses and validates the fleet definition at path.
// Schema violations are reported together, one error per offending field.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Settings.Service) == "" {
		cfg.Settings.Service = "validator"
	}
	return cfg, nil
}

// Validate checks the whole fleet definition and collects every field
// error rather than stopping at the first.
func Validate(cfg Config) error {
	var errs []error
	if len(cfg.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("nodes: at least one node is required"))
	}
	seen := make(map[string]bool, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		errs = append(errs, validateNode(i, n)...)
		name := strings.TrimSpace(n.Name)
		if name != "" && seen[name] {
			errs = append(errs, fmt.Errorf("nodes[%d].name: duplicate node name %q", i, name))
		}
		seen[name] = true
	}
	for i, ep := range cfg.Endpoints {
		if strings.TrimSpace(ep.Read) == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d].read: is required", i))
		}
		if strings.TrimSpace(ep.Write) == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d].write: is required", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w:\n%w", ErrInvalidConfig, errors.Join(errs...))
}

func validateNode(i int, n Node) []error {
	var errs []error
	if strings.TrimSpace(n.Name) == "" {
		errs = append(errs, fmt.Errorf("nodes[%d].name: is required", i))
	}
	switch n.Role {
	case RolePrimary, RoleSecondary, RoleBackup:
	case "":
		errs = append(errs, fmt.Errorf("nodes[%d].role: is required", i))
	default:
		errs = append(errs, fmt.Errorf("nodes[%d].role: unknown role %q", i, n.Role))
	}
	if n.RPCPort <= 0 || n.RPCPort > 65535 {
		errs = append(errs, fmt.Errorf("nodes[%d].rpc_port: must be in 1..65535, got %d", i, n.RPCPort))
	}
	errs = append(errs, validateTransport(i, n.Transport)...)
	return errs
}

func validateTransport(i int, tr Transport) []error {
	var errs []error
	switch tr.Kind {
	case TransportSSM:
		if strings.TrimSpace(tr.InstanceID) == "" {
			errs = append(errs, fmt.Errorf("nodes[%d].transport.instance_id: required for kind ssm", i))
		}
		if strings.TrimSpace(tr.Region) == "" {
			errs = append(errs, fmt.Errorf("nodes[%d].transport.region: required for kind ssm", i))
		}
	case TransportSSH:
		if strings.TrimSpace(tr.Host) == "" {
			errs = append(errs, fmt.Errorf("nodes[%d].transport.host: required for kind ssh", i))
		}
	case TransportLocal:
	case "":
		errs = append(errs, fmt.Errorf("nodes[%d].transport.kind: is required", i))
	default:
		errs = append(errs, fmt.Errorf("nodes[%d].transport.kind: unknown kind %q", i, tr.Kind))
	}
	return errs
}

// NodesByRole returns the nodes whose role is in roles; all nodes when
// roles is empty.
func (c Config) NodesByRole(roles ...Role) []Node {
	if len(roles) == 0 {
		return c.Nodes
	}
	want := make(map[Role]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}
	var out []Node
	for _, n := range c.Nodes {
		if want[n.Role] {
			out = append(out, n)
		}
	}
	return out
}
