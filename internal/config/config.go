package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	EnvSigningSecret = "TERMROOM_SIGNING_SECRET"
	EnvBotToken      = "TERMROOM_BOT_TOKEN"
	EnvAPIToken      = "TERMROOM_API_TOKEN"
)

type Config struct {
	Listen      string `yaml:"listen"`
	Port        int    `yaml:"port"`
	APIToken    string `yaml:"api_token"`
	Shell       string `yaml:"shell"`
	DefaultDir  string `yaml:"default_dir"`
	ProcessMode string `yaml:"process_mode"`
	MaxViewers  int    `yaml:"max_viewers"`
	Scrollback  int    `yaml:"scrollback_bytes"`
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`

	Slack  SlackConfig  `yaml:"slack"`
	Tunnel TunnelConfig `yaml:"tunnel"`

	ConfigPath   string `yaml:"-"`
	PrintDefault bool   `yaml:"-"`
}

type SlackConfig struct {
	SigningSecret string        `yaml:"signing_secret"`
	BotToken      string        `yaml:"bot_token"`
	Debounce      time.Duration `yaml:"debounce"`
	MaxClockSkew  time.Duration `yaml:"max_clock_skew"`
}

type TunnelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Command      string        `yaml:"command"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// Default returns the built-in configuration. It matches configs/termroom.yaml.
func Default() *Config {
	home, _ := os.UserHomeDir()
	configDir := filepath.Join(home, ".config", "termroom")
	return &Config{
		Listen:      "0.0.0.0",
		Port:        8765,
		ProcessMode: "pty",
		Scrollback:  64 * 1024,
		DBPath:      filepath.Join(configDir, "termroom.db"),
		LogLevel:    "info",
		Slack: SlackConfig{
			Debounce:     1500 * time.Millisecond,
			MaxClockSkew: 5 * time.Minute,
		},
		Tunnel: TunnelConfig{
			Command:      "cloudflared tunnel --url http://localhost:{port}",
			StartTimeout: 30 * time.Second,
		},
		ConfigPath: filepath.Join(configDir, "config.yaml"),
	}
}

// Load builds the configuration from defaults, the YAML config file, the
// environment and finally args, each layer overriding the one before.
func Load(args []string) (*Config, error) {
	cfg := Default()

	if path, ok := configPathFromArgs(args); ok {
		cfg.ConfigPath = path
	}
	if err := cfg.loadFromFile(); err != nil {
		return nil, err
	}
	cfg.loadFromEnv()

	fs := cfg.flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.DefaultDir = expandHome(cfg.DefaultDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("termroom", pflag.ContinueOnError)
	fs.StringVar(&c.ConfigPath, "config", c.ConfigPath, "config file path")
	fs.BoolVar(&c.PrintDefault, "print-default-config", false, "print the default config file and exit")
	fs.StringVar(&c.Listen, "listen", c.Listen, "listen address")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "listen port")
	fs.StringVar(&c.APIToken, "token", c.APIToken, "bearer token required on /api")
	fs.StringVar(&c.Shell, "shell", c.Shell, "shell command line for new rooms")
	fs.StringVar(&c.DefaultDir, "dir", c.DefaultDir, "default working directory for new rooms")
	fs.StringVar(&c.ProcessMode, "mode", c.ProcessMode, "process mode: pty or pipe")
	fs.IntVar(&c.MaxViewers, "max-viewers", c.MaxViewers, "viewers allowed per room, 0 for no limit")
	fs.IntVar(&c.Scrollback, "scrollback", c.Scrollback, "bytes of output replayed to late joiners")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "room ledger database path, empty to disable")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&c.Slack.SigningSecret, "slack-signing-secret", c.Slack.SigningSecret, "chat webhook signing secret")
	fs.StringVar(&c.Slack.BotToken, "slack-bot-token", c.Slack.BotToken, "chat bot token")
	fs.DurationVar(&c.Slack.Debounce, "slack-debounce", c.Slack.Debounce, "quiet period before output is posted to a thread")
	fs.BoolVar(&c.Tunnel.Enabled, "tunnel", c.Tunnel.Enabled, "expose the server through the tunnel helper")
	fs.StringVar(&c.Tunnel.Command, "tunnel-command", c.Tunnel.Command, "tunnel helper command line; {port} is replaced")
	return fs
}

// configPathFromArgs finds --config before the full flag set exists, since
// the file it names supplies the other flags' defaults.
func configPathFromArgs(args []string) (string, bool) {
	fs := pflag.NewFlagSet("termroom", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	_ = fs.Parse(args)
	return *path, fs.Changed("config")
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", c.ConfigPath, err)
	}
	if err := Decode(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", c.ConfigPath, err)
	}
	return nil
}

// Decode overlays the YAML document in data onto c. Unknown keys are an error.
func Decode(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv(EnvSigningSecret); v != "" {
		c.Slack.SigningSecret = v
	}
	if v := os.Getenv(EnvBotToken); v != "" {
		c.Slack.BotToken = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.APIToken = v
	}
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	switch c.ProcessMode {
	case "pty", "pipe":
	default:
		return fmt.Errorf("invalid process mode %q: must be pty or pipe", c.ProcessMode)
	}
	if c.MaxViewers < 0 {
		return fmt.Errorf("invalid max viewers %d: must not be negative", c.MaxViewers)
	}
	if c.Scrollback < 0 {
		return fmt.Errorf("invalid scrollback %d: must not be negative", c.Scrollback)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, _, err := c.ShellCommand(); err != nil {
		return err
	}
	if (c.Slack.SigningSecret == "") != (c.Slack.BotToken == "") {
		return errors.New("slack signing secret and bot token must be set together")
	}
	if c.Slack.Debounce <= 0 {
		return fmt.Errorf("invalid slack debounce %s: must be positive", c.Slack.Debounce)
	}
	if c.Tunnel.Enabled {
		argv, err := c.TunnelCommand()
		if err != nil {
			return err
		}
		if len(argv) == 0 {
			return errors.New("tunnel enabled but tunnel command is empty")
		}
	}
	if c.Tunnel.StartTimeout <= 0 {
		return fmt.Errorf("invalid tunnel start timeout %s: must be positive", c.Tunnel.StartTimeout)
	}
	return nil
}

// ShellCommand splits Shell into a program and its arguments. An empty
// Shell returns an empty program.
func (c *Config) ShellCommand() (string, []string, error) {
	words, err := shellquote.Split(c.Shell)
	if err != nil {
		return "", nil, fmt.Errorf("parse shell %q: %w", c.Shell, err)
	}
	if len(words) == 0 {
		return "", nil, nil
	}
	return words[0], words[1:], nil
}

func (c *Config) TunnelCommand() ([]string, error) {
	words, err := shellquote.Split(c.Tunnel.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tunnel command %q: %w", c.Tunnel.Command, err)
	}
	return words, nil
}

func (c *Config) SlackEnabled() bool {
	return c.Slack.SigningSecret != "" && c.Slack.BotToken != ""
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen, c.Port)
}

func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
