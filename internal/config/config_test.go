package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validFleet = `
nodes:
  - name: validator-1
    role: primary
    rpc_port: 8545
    transport:
      kind: ssm
      instance_id: i-0abc123
      region: us-east-1
  - name: validator-2
    role: secondary
    rpc_port: 8545
    transport:
      kind: ssm
      instance_id: i-0def456
      region: eu-west-1
endpoints:
  - read: https://read.example.com
    write: https://write.example.com
settings:
  allow_destructive: true
`

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeTemp(t, validFleet))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(cfg.Nodes))
	}
	if cfg.Nodes[0].Transport.Kind != TransportSSM {
		t.Fatalf("expected ssm transport, got %q", cfg.Nodes[0].Transport.Kind)
	}
	if !cfg.Settings.AllowDestructive {
		t.Fatal("expected allow_destructive true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateCollectsAllFieldErrors(t *testing.T) {
	cfg := Config{
		Nodes: []Node{
			{Name: "", Role: "emperor", RPCPort: 0, Transport: Transport{Kind: "carrier-pigeon"}},
			{Name: "a", Role: RolePrimary, RPCPort: 8545, Transport: Transport{Kind: TransportSSM}},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"nodes[0].name",
		"nodes[0].role",
		"nodes[0].rpc_port",
		"nodes[0].transport.kind",
		"nodes[1].transport.instance_id",
		"nodes[1].transport.region",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing field %q:\n%s", want, msg)
		}
	}
}

func TestValidateDuplicateNames(t *testing.T) {
	cfg := Config{Nodes: []Node{
		{Name: "n", Role: RolePrimary, RPCPort: 1, Transport: Transport{Kind: TransportSSH, Host: "a"}},
		{Name: "n", Role: RoleBackup, RPCPort: 1, Transport: Transport{Kind: TransportSSH, Host: "b"}},
	}}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate node name") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestTemplateLoadsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("template must validate: %v", err)
	}
	if len(cfg.NodesByRole(RolePrimary)) != 1 {
		t.Fatal("template should declare exactly one primary")
	}
	// The executor factory rejects mixed-transport fleets; the starter
	// fleet must be usable as written.
	kinds := make(map[TransportKind]bool)
	for _, n := range cfg.Nodes {
		kinds[n.Transport.Kind] = true
	}
	if len(kinds) != 1 {
		t.Fatalf("template must be transport-homogeneous, found %d kinds", len(kinds))
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatal("expected refusal to overwrite without force")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite with force: %v", err)
	}
}

func TestNodesByRole(t *testing.T) {
	cfg := Config{Nodes: []Node{
		{Name: "p", Role: RolePrimary},
		{Name: "s1", Role: RoleSecondary},
		{Name: "s2", Role: RoleSecondary},
	}}
	if got := cfg.NodesByRole(); len(got) != 3 {
		t.Fatalf("no filter should return all nodes, got %d", len(got))
	}
	got := cfg.NodesByRole(RoleSecondary)
	if len(got) != 2 || got[0].Name != "s1" || got[1].Name != "s2" {
		t.Fatalf("unexpected secondary set: %+v", got)
	}
}
