package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sciencegateway/jobgate/pkg/errors"
)

const (
	EnvPrefix = "JOBGATE"

	KeyWorkers            = "workers"
	KeyQueueSize          = "queue_size"
	KeyMaxSessions        = "ssh.max_sessions"
	KeyDialTimeout        = "ssh.dial_timeout"
	KeyInsecureHostKey    = "ssh.insecure_host_key"
	KeyKnownHosts         = "ssh.known_hosts"
	KeySSHConfigFile      = "ssh.config_file"
	KeyVerifyAttempts     = "verify.attempts"
	KeyVerifyInterval     = "verify.interval"
	KeyCancelPollAttempts = "cancel.poll_attempts"
	KeyCancelPollInterval = "cancel.poll_interval"
	KeyMonitorSchedule    = "monitor.cron"
	KeyListenAddr         = "listen_addr"
	KeyRegistryURL        = "registry.url"
	KeyRegistryToken      = "registry.token" //nolint:gosec // config key name, not a secret
	KeySQLitePath         = "registry.sqlite_path"
	KeyCatalogFile        = "catalog.file"
	KeyCredentialDir      = "credentials.dir"
	KeyEventsURL          = "events.url"
	KeyEventsSigningKey   = "events.signing_key" //nolint:gosec // config key name, not a secret
	KeySentryDSN          = "sentry.dsn"
	KeyLogLevel           = "log.level"

	defaultWorkers            = 16
	defaultQueueSize          = 256
	defaultMaxSessions        = 1
	defaultDialTimeout        = 30 * time.Second
	defaultVerifyAttempts     = 3
	defaultVerifyInterval     = 10 * time.Second
	defaultCancelPollAttempts = 5
	defaultCancelPollInterval = time.Second
	defaultMonitorSchedule    = "@every 1m"
	defaultListenAddr         = ":9464"
	defaultSQLitePath         = "jobgate.db"
	defaultCatalogFile        = "catalog.yaml"
	defaultCredentialDir      = "~/.jobgate/credentials"
	defaultKnownHosts         = "~/.ssh/known_hosts"
	defaultSSHConfigFile      = "~/.ssh/config"
	defaultLogLevel           = "info"
)

// Config captures all runtime configuration for jobgate.
type Config struct {
	Workers   int
	QueueSize int

	MaxSessionsPerConnection int
	DialTimeout              time.Duration
	InsecureHostKey          bool
	KnownHostsPath           string
	SSHConfigPath            string

	VerifyAttempts     int
	VerifyInterval     time.Duration
	CancelPollAttempts int
	CancelPollInterval time.Duration

	MonitorSchedule string
	ListenAddr      string

	RegistryURL   string
	RegistryToken string
	SQLitePath    string
	CatalogFile   string
	CredentialDir string
	EventsURL     string
	// EventsSigningKey, when set, signs webhook bodies with HMAC-SHA256.
	EventsSigningKey string

	SentryDSN string
	LogLevel  string
}

// NewViper returns a viper instance reading JOBGATE_* env vars and an
// optional jobgate.yaml from the working directory or /etc/jobgate.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("jobgate")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/jobgate/")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyWorkers, defaultWorkers)
	v.SetDefault(KeyQueueSize, defaultQueueSize)
	v.SetDefault(KeyMaxSessions, defaultMaxSessions)
	v.SetDefault(KeyDialTimeout, defaultDialTimeout.String())
	v.SetDefault(KeyInsecureHostKey, false)
	v.SetDefault(KeyKnownHosts, defaultKnownHosts)
	v.SetDefault(KeySSHConfigFile, defaultSSHConfigFile)
	v.SetDefault(KeyVerifyAttempts, defaultVerifyAttempts)
	v.SetDefault(KeyVerifyInterval, defaultVerifyInterval.String())
	v.SetDefault(KeyCancelPollAttempts, defaultCancelPollAttempts)
	v.SetDefault(KeyCancelPollInterval, defaultCancelPollInterval.String())
	v.SetDefault(KeyMonitorSchedule, defaultMonitorSchedule)
	v.SetDefault(KeyListenAddr, defaultListenAddr)
	v.SetDefault(KeyRegistryURL, "")
	v.SetDefault(KeyRegistryToken, "")
	v.SetDefault(KeySQLitePath, defaultSQLitePath)
	v.SetDefault(KeyCatalogFile, defaultCatalogFile)
	v.SetDefault(KeyCredentialDir, defaultCredentialDir)
	v.SetDefault(KeyEventsURL, "")
	v.SetDefault(KeyEventsSigningKey, "")
	v.SetDefault(KeySentryDSN, "")
	v.SetDefault(KeyLogLevel, defaultLogLevel)
}

// EnvName returns the environment variable backing a config key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LoadFromEnv reads env vars and the optional config file.
func LoadFromEnv() (Config, error) {
	v := NewViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.WrapAndTrace(err)
		}
	}
	return Load(v)
}

// Load constructs a Config from v, applying validations.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	var err error

	if cfg.Workers, err = positiveInt(v, KeyWorkers); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = positiveInt(v, KeyQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessionsPerConnection, err = positiveInt(v, KeyMaxSessions); err != nil {
		return Config{}, err
	}
	if cfg.DialTimeout, err = positiveDuration(v, KeyDialTimeout); err != nil {
		return Config{}, err
	}
	if cfg.InsecureHostKey, err = boolean(v, KeyInsecureHostKey); err != nil {
		return Config{}, err
	}
	if cfg.VerifyAttempts, err = positiveInt(v, KeyVerifyAttempts); err != nil {
		return Config{}, err
	}
	if cfg.VerifyInterval, err = positiveDuration(v, KeyVerifyInterval); err != nil {
		return Config{}, err
	}
	if cfg.CancelPollAttempts, err = positiveInt(v, KeyCancelPollAttempts); err != nil {
		return Config{}, err
	}
	if cfg.CancelPollInterval, err = positiveDuration(v, KeyCancelPollInterval); err != nil {
		return Config{}, err
	}

	if cfg.KnownHostsPath, err = expandPath(v.GetString(KeyKnownHosts)); err != nil {
		return Config{}, errors.WrapAndTrace(err, EnvName(KeyKnownHosts))
	}
	if cfg.SSHConfigPath, err = expandPath(v.GetString(KeySSHConfigFile)); err != nil {
		return Config{}, errors.WrapAndTrace(err, EnvName(KeySSHConfigFile))
	}
	if cfg.CredentialDir, err = expandPath(v.GetString(KeyCredentialDir)); err != nil {
		return Config{}, errors.WrapAndTrace(err, EnvName(KeyCredentialDir))
	}

	cfg.MonitorSchedule = strings.TrimSpace(v.GetString(KeyMonitorSchedule))
	if cfg.MonitorSchedule == "" {
		return Config{}, errors.Errorf("%s is required", EnvName(KeyMonitorSchedule))
	}
	cfg.ListenAddr = strings.TrimSpace(v.GetString(KeyListenAddr))
	cfg.RegistryURL = strings.TrimSpace(v.GetString(KeyRegistryURL))
	cfg.RegistryToken = strings.TrimSpace(v.GetString(KeyRegistryToken))
	cfg.SQLitePath = strings.TrimSpace(v.GetString(KeySQLitePath))
	cfg.CatalogFile = strings.TrimSpace(v.GetString(KeyCatalogFile))
	cfg.EventsURL = strings.TrimSpace(v.GetString(KeyEventsURL))
	cfg.EventsSigningKey = strings.TrimSpace(v.GetString(KeyEventsSigningKey))
	cfg.SentryDSN = strings.TrimSpace(v.GetString(KeySentryDSN))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel)))

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, errors.Errorf("%s must be one of debug, info, warn, error", EnvName(KeyLogLevel))
	}

	return cfg, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.WrapAndTrace(errors.Errorf("%s must be an integer: %v", EnvName(key), err))
	}
	if n <= 0 {
		return 0, errors.Errorf("%s must be positive", EnvName(key))
	}
	return n, nil
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.WrapAndTrace(errors.Errorf("%s must be a valid duration: %v", EnvName(key), err))
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive", EnvName(key))
	}
	return d, nil
}

func boolean(v *viper.Viper, key string) (bool, error) {
	raw := strings.TrimSpace(v.GetString(key))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.WrapAndTrace(errors.Errorf("%s must be a boolean: %v", EnvName(key), err))
	}
	return b, nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.Errorf("path cannot be empty")
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.WrapAndTrace(err)
		}
		if home == "" {
			return "", errors.Errorf("cannot expand ~, home directory unset")
		}
		path = filepath.Join(home, path[1:])
	}

	return filepath.Clean(path), nil
}
