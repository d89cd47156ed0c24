package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	"github.com/pageel/pageel/internal/remote"
	"github.com/pageel/pageel/internal/syncer"
)

const keyringService = "pageel"

type config struct {
	Repo            string        `mapstructure:"repo"`
	Remote          string        `mapstructure:"remote"`
	Branch          string        `mapstructure:"branch"`
	CacheDSN        string        `mapstructure:"cache_dsn"`
	Token           string        `mapstructure:"token"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollTolerance   time.Duration `mapstructure:"poll_tolerance"`
	PollMaxAttempts int           `mapstructure:"poll_max_attempts"`
	PollJitter      float64       `mapstructure:"poll_jitter"`
	ScanTimeout     time.Duration `mapstructure:"scan_timeout"`
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	LogLevel        string        `mapstructure:"log_level"`
}

// flagKeys maps persistent flag names onto config keys.
var flagKeys = map[string]string{
	"repo":       "repo",
	"remote":     "remote",
	"branch":     "branch",
	"cache":      "cache_dsn",
	"token":      "token",
	"log-level":  "log_level",
	"addr":       "addr",
	"jwt-secret": "jwt_secret",
}

func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default is ./pageel.yaml)")
	flags.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flags.String("repo", "", "repository as owner/name")
	flags.String("remote", "", "remote backend: github://owner/name, git:///path/to/checkout or memory://")
	flags.String("branch", "", "branch to read and write")
	flags.String("cache", "", "local cache DSN (memory://, file:///path, sqlite:///path, postgres://...)")
	flags.String("token", "", "repository access token")
	flags.String("log-level", "info", "log level")
}

// loadConfig resolves configuration with flags over environment over the
// config file over defaults.
func loadConfig(cmd *cobra.Command) (config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetDefault("repo", "")
	v.SetDefault("remote", "")
	v.SetDefault("branch", "")
	v.SetDefault("cache_dsn", "")
	v.SetDefault("token", "")
	v.SetDefault("poll_interval", syncer.DefaultPollInterval)
	v.SetDefault("poll_tolerance", syncer.DefaultPollTolerance)
	v.SetDefault("poll_max_attempts", syncer.DefaultPollMaxAttempts)
	v.SetDefault("poll_jitter", 0.2)
	v.SetDefault("scan_timeout", 30*time.Second)
	v.SetDefault("addr", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("rate_limit_max", 0)
	v.SetDefault("log_level", "info")

	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("pageel")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PAGEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return config{}, err
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.Repo = strings.Trim(strings.TrimSpace(cfg.Repo), "/")
	cfg.Remote = strings.TrimSpace(cfg.Remote)
	if cfg.Repo == "" {
		cfg.Repo = repoFromRemote(cfg.Remote)
	}
	return cfg, nil
}

func (c config) requireRepo() error {
	if c.Repo == "" {
		return errors.New("repo is required (--repo or PAGEEL_REPO)")
	}
	return nil
}

func (c config) trackerOptions(logger *logrus.Entry) syncer.TrackerOptions {
	return syncer.TrackerOptions{
		Interval:    c.PollInterval,
		Tolerance:   c.PollTolerance,
		MaxAttempts: c.PollMaxAttempts,
		Jitter:      c.PollJitter,
		Logger:      logger.WithField("component", "sync"),
	}
}

// resolveToken prefers an explicit token and falls back to the OS keyring.
func (c config) resolveToken() (string, error) {
	if token := strings.TrimSpace(c.Token); token != "" {
		return token, nil
	}
	if c.Repo == "" {
		return "", nil
	}
	token, err := keyring.Get(keyringService, c.Repo)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read keyring: %w", err)
	}
	return token, nil
}

func newLogger(cmd *cobra.Command, cfg config) (*logrus.Entry, error) {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	return logger.WithField("repo", cfg.Repo), nil
}

// openRepository builds the remote backend named by cfg.Remote. An empty
// remote means the GitHub repository cfg.Repo.
func openRepository(cfg config, token string) (remote.Repository, error) {
	raw := cfg.Remote
	if raw == "" {
		raw = "github://" + cfg.Repo
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid remote %q: %w", raw, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "github":
		fullName := strings.Trim(parsed.Host+parsed.Path, "/")
		if fullName == "" {
			fullName = cfg.Repo
		}
		opts := remote.GitHubOptions{Branch: cfg.Branch, Token: token}
		if base := parsed.Query().Get("api"); base != "" {
			opts.BaseURL = base
		}
		return remote.NewGitHubClient(fullName, opts)
	case "git":
		root := parsed.Host + parsed.Path
		if root == "" {
			return nil, fmt.Errorf("git remote needs a checkout path, got %q", raw)
		}
		return remote.OpenGitRepository(root, remote.GitOptions{
			RemoteName: parsed.Query().Get("push"),
			PushToken:  token,
		})
	case "memory", "mem":
		return remote.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported remote scheme: %s", parsed.Scheme)
	}
}

func repoFromRemote(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(parsed.Scheme, "github") {
		return ""
	}
	return strings.Trim(parsed.Host+parsed.Path, "/")
}
