package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// go test -v --run TestLoadFileAndDefaults
func TestLoadFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
profile:
  ceiling: 500
  classes:
    - name: gold
      bucket: "0.5"
      prefixes: [XAU]
venues:
  - name: demo
    kind: synthetic
    symbols: [EURUSD]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Ceiling != 500 {
		t.Errorf("ceiling from file: got %d", cfg.Profile.Ceiling)
	}
	if len(cfg.Profile.Classes) != 1 || cfg.Profile.Classes[0].Prefixes[0] != "XAU" {
		t.Errorf("classes: %+v", cfg.Profile.Classes)
	}
	if cfg.Feed.MaxDelay != 30*time.Second || cfg.Session.RollHour != 17 || cfg.Range.Lookback != 14 {
		t.Errorf("defaults not applied: %+v %+v %+v", cfg.Feed, cfg.Session, cfg.Range)
	}
	if len(cfg.Venues) != 1 || cfg.Venues[0].Symbols[0] != "EURUSD" {
		t.Errorf("venues: %+v", cfg.Venues)
	}
}

// go test -v --run TestEnvOverrides
func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "server:\n  port: 8080\n")
	writeFile(t, dir, ".env", "FEED_MAX_ATTEMPTS=9\n")

	t.Setenv("SERVER_PORT", "9090")
	// Registered so the value loaded from .env is cleared after the test.
	t.Setenv("FEED_MAX_ATTEMPTS", "")
	os.Unsetenv("FEED_MAX_ATTEMPTS")

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("env must override the file: got %d", cfg.Server.Port)
	}
	if cfg.Feed.MaxAttempts != 9 {
		t.Errorf(".env value not applied: got %d", cfg.Feed.MaxAttempts)
	}
}

// go test -v --run TestValidate
func TestValidate(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
profile:
  ceiling: 0
feed:
  max_attempts: 0
venues:
  - name: a
    kind: carrier-pigeon
`)
	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"profile.ceiling", "feed.max_attempts", "unknown kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

// go test -v --run TestMissingExplicitFile
func TestMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

// go test -v --run TestDSN
func TestDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "bars", SSLMode: "disable", TimeZone: "UTC"}
	want := "host=db port=5432 user=u password=p dbname=bars sslmode=disable TimeZone=UTC"
	if got := cfg.DSN("dev"); got != want {
		t.Errorf("got %q", got)
	}
	if got := cfg.AdminDSN("dev"); !strings.Contains(got, "dbname=postgres") {
		t.Errorf("admin dsn %q", got)
	}
}

// go test -v --run TestCreateDBSetting
func TestCreateDBSetting(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "server:\n  port: 8080\n")

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Postgres.CreateDB {
		t.Error("create_db must default to true")
	}

	t.Setenv("POSTGRES_CREATE_DB", "false")
	cfg, err = Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Postgres.CreateDB {
		t.Error("POSTGRES_CREATE_DB=false must disable database creation")
	}
}
