package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the service configuration.
type Config struct {
	// HTTP settings
	Port int `yaml:"port"`

	// Local state directory (~/.moltbot by default)
	DataDir string `yaml:"data_dir"`

	// Remote messaging client
	BaseURL   string `yaml:"base_url"`
	Headless  bool   `yaml:"headless"`
	UserAgent string `yaml:"user_agent"`

	// Synchronization
	PollInterval      Duration `yaml:"poll_interval"`
	MessageWindow     int      `yaml:"message_window"`
	ConversationLimit int      `yaml:"conversation_limit"`

	// Action execution
	OpTimeout Duration `yaml:"op_timeout"`
	TypeDelay Duration `yaml:"type_delay"`

	// Auto-reply default (runtime-togglable via the API)
	AutoReply bool `yaml:"auto_reply"`

	// Optional locator override file (YAML)
	LocatorsPath string `yaml:"locators_path"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Port:              8790,
		DataDir:           DefaultDataDir(),
		BaseURL:           "https://www.messenger.com",
		Headless:          true,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		PollInterval:      Duration(5 * time.Second),
		MessageWindow:     50,
		ConversationLimit: 20,
		OpTimeout:         Duration(45 * time.Second),
		TypeDelay:         Duration(30 * time.Millisecond),
	}
}

// DefaultDataDir returns the default data directory (~/.moltbot).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".moltbot"
	}
	return filepath.Join(home, ".moltbot")
}

// Load reads the config file at path over the defaults. Environment
// variables are expanded in the file body before parsing, and a .env file
// in the working directory is honored if present. A missing config file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Runtime is the subset of settings that may change while the service is
// running. It is applied only through the controller's UpdateConfig command,
// never read from ambient scope.
type Runtime struct {
	PollInterval  *Duration `json:"poll_interval,omitempty" yaml:"poll_interval"`
	MessageWindow *int      `json:"message_window,omitempty" yaml:"message_window"`
	AutoReply     *bool     `json:"auto_reply,omitempty" yaml:"auto_reply"`
}
