package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	unsetConfigEnv(t)

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Workers != defaultWorkers {
		t.Fatalf("Workers = %d, want %d", cfg.Workers, defaultWorkers)
	}
	if cfg.MaxSessionsPerConnection != 1 {
		t.Fatalf("MaxSessionsPerConnection = %d, want 1", cfg.MaxSessionsPerConnection)
	}
	if cfg.InsecureHostKey {
		t.Fatalf("InsecureHostKey = true, want strict host keys by default")
	}
	if cfg.VerifyAttempts != 3 {
		t.Fatalf("VerifyAttempts = %d, want 3", cfg.VerifyAttempts)
	}
	if cfg.VerifyInterval != 10*time.Second {
		t.Fatalf("VerifyInterval = %s, want 10s", cfg.VerifyInterval)
	}
	if cfg.CancelPollAttempts != 5 || cfg.CancelPollInterval != time.Second {
		t.Fatalf("cancel polling = %d/%s, want 5/1s", cfg.CancelPollAttempts, cfg.CancelPollInterval)
	}

	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, ".ssh", "known_hosts"); cfg.KnownHostsPath != want {
		t.Fatalf("KnownHostsPath = %s, want %s", cfg.KnownHostsPath, want)
	}
	if cfg.MonitorSchedule != defaultMonitorSchedule {
		t.Fatalf("MonitorSchedule = %s, want %s", cfg.MonitorSchedule, defaultMonitorSchedule)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %s, want info", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	unsetConfigEnv(t)
	t.Setenv(EnvName(KeyWorkers), "4")
	t.Setenv(EnvName(KeyMaxSessions), "2")
	t.Setenv(EnvName(KeyInsecureHostKey), "true")
	t.Setenv(EnvName(KeyKnownHosts), "~/custom/known_hosts")
	t.Setenv(EnvName(KeyVerifyInterval), "250ms")
	t.Setenv(EnvName(KeyRegistryURL), " https://registry.example.org/api ")
	t.Setenv(EnvName(KeyLogLevel), "DEBUG")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Workers != 4 {
		t.Fatalf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.MaxSessionsPerConnection != 2 {
		t.Fatalf("MaxSessionsPerConnection = %d, want 2", cfg.MaxSessionsPerConnection)
	}
	if !cfg.InsecureHostKey {
		t.Fatalf("InsecureHostKey = false, want true")
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "custom", "known_hosts"); cfg.KnownHostsPath != want {
		t.Fatalf("KnownHostsPath = %s, want %s", cfg.KnownHostsPath, want)
	}
	if cfg.VerifyInterval != 250*time.Millisecond {
		t.Fatalf("VerifyInterval = %s, want 250ms", cfg.VerifyInterval)
	}
	if cfg.RegistryURL != "https://registry.example.org/api" {
		t.Fatalf("RegistryURL = %q", cfg.RegistryURL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		key   string
		value string
		want  string
	}{
		{KeyVerifyInterval, "soon", "must be a valid duration"},
		{KeyCancelPollInterval, "-1s", "must be positive"},
		{KeyWorkers, "0", "must be positive"},
		{KeyMaxSessions, "many", "must be an integer"},
		{KeyInsecureHostKey, "perhaps", "must be a boolean"},
		{KeyLogLevel, "trace", "must be one of"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			unsetConfigEnv(t)
			t.Setenv(EnvName(tc.key), tc.value)

			_, err := Load(NewViper())
			if err == nil {
				t.Fatalf("expected error for %s=%s", EnvName(tc.key), tc.value)
			}
			if !strings.Contains(err.Error(), EnvName(tc.key)) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %s and %q", err, EnvName(tc.key), tc.want)
			}
		})
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName(KeyMaxSessions); got != "JOBGATE_SSH_MAX_SESSIONS" {
		t.Fatalf("EnvName = %s", got)
	}
}

func unsetConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		KeyWorkers, KeyQueueSize, KeyMaxSessions, KeyDialTimeout, KeyInsecureHostKey,
		KeyKnownHosts, KeySSHConfigFile, KeyVerifyAttempts, KeyVerifyInterval,
		KeyCancelPollAttempts, KeyCancelPollInterval, KeyMonitorSchedule, KeyListenAddr,
		KeyRegistryURL, KeyRegistryToken, KeySQLitePath, KeyCatalogFile, KeyCredentialDir,
		KeyEventsURL, KeySentryDSN, KeyLogLevel,
	} {
		env := EnvName(key)
		if val, ok := os.LookupEnv(env); ok {
			t.Cleanup(func() { _ = os.Setenv(env, val) })
		}
		_ = os.Unsetenv(env)
	}
}
