package meshnet

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, "username: alice\n")
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PeerID == "" {
		t.Error("expected an auto-generated peer id")
	}
	if cfg.ServiceName != "flutter_p2p_mesh" {
		t.Errorf("expected default service name, got %s", cfg.ServiceName)
	}
	if cfg.DefaultTTL != DefaultMeshTTL {
		t.Errorf("expected default ttl %d, got %d", DefaultMeshTTL, cfg.DefaultTTL)
	}
	if !cfg.IsAutoConnectEnabled() || !cfg.IsAutoAdvertiseEnabled() {
		t.Error("expected auto-connect and auto-advertise to default true")
	}
}

func TestLoadNodeConfig_RequiresUsername(t *testing.T) {
	path := writeTempConfig(t, "serviceName: mesh\n")
	if _, err := LoadNodeConfig(path); err == nil {
		t.Fatal("expected error for missing username")
	}
}

func TestLoadNodeConfig_ExplicitFalseOverridesDefault(t *testing.T) {
	path := writeTempConfig(t, "username: alice\nautoConnect: false\n")
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IsAutoConnectEnabled() {
		t.Error("expected explicit false to disable auto-connect")
	}
	if !cfg.IsAutoAdvertiseEnabled() {
		t.Error("expected auto-advertise to remain default-enabled")
	}
}
