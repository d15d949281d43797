package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mori.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFileAllowAll(t *testing.T) {
	path := writeTempConfig(t, "[network]\nallow = true\n")
	in, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if !in.AllowNetworkAll {
		t.Fatal("AllowNetworkAll = false, want true")
	}
}

func TestLoadConfigFileAllowList(t *testing.T) {
	path := writeTempConfig(t, "[network]\nallow = [\"example.com\", \"1.2.3.4\"]\n[file]\ndeny_read = [\"/etc/shadow\"]\n")
	in, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if in.AllowNetworkAll {
		t.Fatal("AllowNetworkAll = true, want false")
	}
	if len(in.AllowNetwork) != 2 {
		t.Fatalf("AllowNetwork = %v", in.AllowNetwork)
	}
	if len(in.DenyFileRead) != 1 || in.DenyFileRead[0] != "/etc/shadow" {
		t.Fatalf("DenyFileRead = %v", in.DenyFileRead)
	}
}

func TestLoadConfigFileOmittedAllowIsEmptyList(t *testing.T) {
	path := writeTempConfig(t, "[file]\ndeny = [\"/tmp\"]\n")
	in, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if in.AllowNetworkAll || len(in.AllowNetwork) != 0 {
		t.Fatalf("expected empty allow-list, got %+v", in)
	}
}

func TestLoadMergesCLIAndConfigUnioned(t *testing.T) {
	path := writeTempConfig(t, "[network]\nallow = [\"example.com\"]\n")
	in := Inputs{
		AllowNetwork: []string{"9.9.9.9"},
		ConfigPath:   path,
		Command:      []string{"true"},
	}
	p, _, err := Load(in)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Network.Domains) != 1 || len(p.Network.IPv4) != 1 {
		t.Fatalf("expected union of CLI + config targets, got %+v", p.Network)
	}
}

func TestLoadAllowAllDominatesFromEitherSource(t *testing.T) {
	path := writeTempConfig(t, "[network]\nallow = true\n")
	in := Inputs{
		AllowNetwork: []string{"example.com"}, // ignored once AllowAll wins
		ConfigPath:   path,
		Command:      []string{"true"},
	}
	p, _, err := Load(in)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Network.Kind != NetworkAllowAll {
		t.Fatalf("Kind = %v, want NetworkAllowAll", p.Network.Kind)
	}
}

func TestLoadEmptyCommandIsInvalid(t *testing.T) {
	_, _, err := Load(Inputs{})
	if err == nil {
		t.Fatal("expected PolicyInvalid for empty command")
	}
	if _, ok := err.(*InvalidError); !ok {
		t.Fatalf("err = %T, want *InvalidError", err)
	}
}
