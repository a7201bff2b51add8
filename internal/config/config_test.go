package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
)

func writeINI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ConnectServer.ini")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	want := DefaultConfig()
	want.path = cfg.path
	if diff := deep.Equal(cfg, want); diff != nil {
		t.Fatal(diff)
	}
}

func TestLoadINI(t *testing.T) {
	path := writeINI(t, `
[ConnectServerInfo]
ConnectServerPortTCP = 44406
ConnectServerPortUDP = 55558
MaxIpConnection = 3
CheckJoinServerState = 1
ShowOfflineServers = 0
ServerListSource = sqlite
ServerListPath = data/servers.db

[Log]
Level = debug

[Api]
Port = 8080

[MQTT]
Enabled = 1
Broker = broker.local
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	cs := cfg.ConnectServer
	if cs.PortTCP != 44406 || cs.PortUDP != 55558 || cs.MaxIPConnection != 3 {
		t.Errorf("ports/cap = %d/%d/%d", cs.PortTCP, cs.PortUDP, cs.MaxIPConnection)
	}
	if !cs.CheckJoinServerState || cs.ShowOfflineServers {
		t.Errorf("toggles = %v/%v", cs.CheckJoinServerState, cs.ShowOfflineServers)
	}
	if cs.ServerListSource != "sqlite" || cs.ServerListPath != "data/servers.db" {
		t.Errorf("source = %s:%s", cs.ServerListSource, cs.ServerListPath)
	}
	if cs.ClientIdleTimeout != DefaultClientIdle {
		t.Errorf("idle timeout default lost: %d", cs.ClientIdleTimeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Directory != "logs" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("api port = %d", cfg.API.Port)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "broker.local" || cfg.MQTT.Port != DefaultMQTTPort {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Path() != path {
		t.Errorf("Path = %s", cfg.Path())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeINI(t, "[ConnectServerInfo]\nConnectServerPortTCP = 44406\n")
	t.Setenv("CONNECTSERVER_CONNECTSERVERINFO_CONNECTSERVERPORTTCP", "45000")
	t.Setenv("CONNECTSERVER_API_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConnectServer.PortTCP != 45000 {
		t.Errorf("PortTCP = %d, want env override", cfg.ConnectServer.PortTCP)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API port = %d", cfg.API.Port)
	}
}

func TestValidateFallsBackToDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectServer.PortTCP = 70000
	cfg.ConnectServer.MaxIPConnection = -1
	cfg.ConnectServer.ClientIdleTimeout = -5
	cfg.ConnectServer.ServerListSource = "xml"
	cfg.API.Port = cfg.ConnectServer.PortUDP
	cfg.MQTT.Enabled = true

	result := Validate(cfg)
	if result.IsValid() {
		t.Fatal("expected errors")
	}

	want := DefaultConfig()
	want.API.Port = want.ConnectServer.PortUDP
	if diff := deep.Equal(cfg, want); diff != nil {
		t.Fatal(diff)
	}
	if len(result.Errors) != 5 {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestValidateAPIConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Port = cfg.ConnectServer.PortTCP

	result := Validate(cfg)
	if result.IsValid() || cfg.API.Port != 0 {
		t.Fatalf("api port = %d, errors = %v", cfg.API.Port, result.Errors)
	}
}

func TestValidateDefaultsClean(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() || len(result.Warnings) != 0 {
		t.Fatalf("defaults produced %v / %v", result.Errors, result.Warnings)
	}
}
