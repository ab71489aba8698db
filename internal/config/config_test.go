package config

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if r := Validate(cfg); !r.IsValid() {
		t.Fatalf("defaults do not validate: %v", r.Errors)
	}
	if !cfg.IsFirstRun() {
		t.Error("fresh config not reported as first run")
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again.IsFirstRun() {
		t.Error("existing config reported as first run")
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"server": {"hostname": "cave", "max_peers": 4}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Hostname != "cave" || cfg.Server.MaxPeers != 4 {
		t.Errorf("overlay not applied: %+v", cfg.Server)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("unset field lost its default: port = %d", cfg.Server.Port)
	}

	// the re-save fills in the missing fields
	data, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	var saved map[string]map[string]any
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if _, ok := saved["server"]["queue_size"]; !ok {
		t.Error("re-saved config is missing queue_size")
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{not json"), 0644)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGreeting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Hostname = "cave"
	cfg.SetMOTD("mind the lava")

	if got := cfg.Greeting(); got != "cave: mind the lava" {
		t.Fatalf("greeting = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero peers", func(c *Config) { c.Server.MaxPeers = 0 }, "server.max_peers"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"empty hostname", func(c *Config) { c.Server.Hostname = " " }, "server.hostname"},
		{"long motd", func(c *Config) { c.Server.MOTD = strings.Repeat("m", MaxMOTDLength+1) }, "server.motd"},
		{"no queue", func(c *Config) { c.Server.QueueSize = 0 }, "server.queue_size"},
		{"slow consumer below retry", func(c *Config) { c.Server.SlowConsumerMS = 1 }, "server.slow_consumer_ms"},
		{"short password", func(c *Config) { c.Accounts = []Account{{Name: "a", Password: "short"}} }, "accounts[0].password"},
		{"duplicate account", func(c *Config) {
			c.Accounts = []Account{{Name: "a", Password: "password1"}, {Name: "a", Password: "password2"}}
		}, "accounts[1].name"},
		{"bad whitelist", func(c *Config) { c.API.IPWhitelist = []string{"nope"} }, "api.ip_whitelist"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.BrokerURL = "" }, "mqtt.broker_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			r := Validate(cfg)
			if r.IsValid() {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range r.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("no error for %s in %v", tt.field, r.Errors)
			}
		})
	}
}

func TestSetupWizard(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, DefaultConfigFile)

	answers := strings.Join([]string{
		// first pass, the password is too short
		"cave", "", "", "8", "no", "root", "short", "", "", "", "",
		"yes",
		// second pass keeps everything but the password
		"", "", "", "", "", "", "longenough1", "", "", "", "",
	}, "\n") + "\n"

	var out strings.Builder
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "accounts[0].password") {
		t.Error("validation error was not shown")
	}

	saved, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Server.Hostname != "cave" || saved.Server.MaxPeers != 8 || saved.Discovery.Enabled {
		t.Errorf("server settings not saved: %+v %+v", saved.Server, saved.Discovery)
	}
	if len(saved.Accounts) != 1 || saved.Accounts[0] != (Account{Name: "root", Password: "longenough1"}) {
		t.Errorf("accounts = %+v", saved.Accounts)
	}
	if len(saved.API.Token) != 32 {
		t.Errorf("generated token = %q", saved.API.Token)
	}
}

func TestSetupWizardStopsAtEndOfInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	err := RunSetupWizard(cfg, strings.NewReader("cave\n"), io.Discard)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v", err)
	}
	if _, statErr := os.Stat(cfg.Path()); !os.IsNotExist(statErr) {
		t.Error("aborted wizard wrote a config file")
	}
}
