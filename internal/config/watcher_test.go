package config

import (
	"os"
	"testing"
	"time"
)

func TestWatcher_ReloadsAccounts(t *testing.T) {
	path := writeConfig(t, "accounts:\n  - name: home\n    server: mastodon.social\n    token: a\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w := NewWatcher(cfg)
	reloaded := make(chan *Config, 4)
	w.OnReload(func(c *Config) { reloaded <- c })

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if _, err := w.Account("work"); err == nil {
		t.Fatal("work account should not exist yet")
	}

	updated := "accounts:\n  - name: home\n    server: mastodon.social\n    token: a\n  - name: work\n    server: hachyderm.io\n    token: b\n"
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case c := <-reloaded:
		if len(c.Accounts) != 2 {
			t.Errorf("reloaded accounts = %v", c.Accounts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	if a, err := w.Account("work"); err != nil || a.Server != "hachyderm.io" {
		t.Errorf("Account(work) = %+v, %v", a, err)
	}
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "accounts:\n  - name: home\n    server: mastodon.social\n    token: a\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w := NewWatcher(cfg)
	w.reload()
	if w.Config() == cfg {
		t.Error("valid reload should replace the configuration")
	}

	current := w.Config()
	if err := os.WriteFile(path, []byte("streaming:\n  transport: carrier-pigeon\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.reload()
	if w.Config() != current {
		t.Error("invalid reload should keep the previous configuration")
	}
}

func TestWatcher_NoFile(t *testing.T) {
	w := NewWatcher(DefaultConfig())
	if err := w.Start(); err != nil {
		t.Errorf("Start without a config file = %v, want nil", err)
	}
	w.Stop()
}
