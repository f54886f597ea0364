package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/mailintake/internal/receiver"
)

// Processor kinds.
const (
	ProcessorLog     = "log"
	ProcessorForward = "forward"
	ProcessorMbox    = "mbox"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel  string    `yaml:"log_level"`
	LogFormat string    `yaml:"log_format"` // "text" or "json"
	Sender    SMTP      `yaml:"sender"`
	Accounts  []Account `yaml:"accounts"`
}

// SMTP holds the outgoing mail server used by forwarding accounts.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Account describes one polled mailbox.
type Account struct {
	Name                 string `yaml:"name"`
	Protocol             string `yaml:"protocol"` // "pop3" or "imap"
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	PasswordFile         string `yaml:"password_file"`
	UseTLS               bool   `yaml:"use_tls"`
	TLSSkipVerify        bool   `yaml:"tls_skip_verify"`
	Folder               string `yaml:"folder"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	Debug                bool   `yaml:"debug"`

	Processor string `yaml:"processor"` // "log", "forward" or "mbox"
	ForwardTo string `yaml:"forward_to"`
	MboxPath  string `yaml:"mbox_path"`

	Filter Filter `yaml:"filter"`
}

// Filter configures the acceptance filter of an account. The zero value
// accepts every message.
type Filter struct {
	AllowSenders []string `yaml:"allow_senders"` // addresses or @domains
	DenySenders  []string `yaml:"deny_senders"`
	DenySubjects []string `yaml:"deny_subjects"` // regular expressions
	MaxSizeBytes int      `yaml:"max_size_bytes"`
}

// CheckInterval returns the check interval as a time.Duration.
func (a *Account) CheckInterval() time.Duration {
	if a.CheckIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.CheckIntervalSeconds) * time.Second
}

// Timeout returns the connection timeout, defaulting to 5 seconds.
func (a *Account) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// GetFolder returns the folder name, defaulting to "INBOX".
func (a *Account) GetFolder() string {
	if a.Folder == "" {
		return "INBOX"
	}
	return a.Folder
}

// GetProcessor returns the processor kind, defaulting to "log".
func (a *Account) GetProcessor() string {
	if a.Processor == "" {
		return ProcessorLog
	}
	return a.Processor
}

// ResolvePassword returns the inline password, or the trimmed contents of
// password_file when set.
func (a *Account) ResolvePassword() (string, error) {
	if a.PasswordFile == "" {
		return a.Password, nil
	}
	data, err := os.ReadFile(a.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Label identifies the account in logs and errors.
func (a *Account) Label(i int) string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("#%d", i)
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel:  "info",
		LogFormat: "text",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	for i, a := range c.Accounts {
		label := a.Label(i)
		proto, err := receiver.ParseProtocol(a.Protocol)
		if err != nil {
			return fmt.Errorf("account %s: protocol must be pop3 or imap", label)
		}
		if a.Host == "" {
			return fmt.Errorf("account %s: host is required", label)
		}
		if a.Port == 0 {
			return fmt.Errorf("account %s: port is required", label)
		}
		if a.Password != "" && a.PasswordFile != "" {
			return fmt.Errorf("account %s: password and password_file are exclusive", label)
		}
		if proto == receiver.POP3 && !strings.EqualFold(a.GetFolder(), "INBOX") {
			return fmt.Errorf("account %s: pop3 only supports the INBOX folder", label)
		}
		switch a.GetProcessor() {
		case ProcessorLog:
		case ProcessorForward:
			if a.ForwardTo == "" {
				return fmt.Errorf("account %s: forward_to is required", label)
			}
			if c.Sender.Host == "" || c.Sender.Port == 0 {
				return fmt.Errorf("account %s: sender.host and sender.port are required for forwarding", label)
			}
		case ProcessorMbox:
			if a.MboxPath == "" {
				return fmt.Errorf("account %s: mbox_path is required", label)
			}
		default:
			return fmt.Errorf("account %s: processor must be log, forward or mbox", label)
		}
	}
	return nil
}
