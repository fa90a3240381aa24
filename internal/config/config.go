package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/aaronromeo/mailrelay/internal/mailerr"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// MAILRELAY_EMAIL_PASSWORD for email.password.
	EnvPrefix = "MAILRELAY"
	// PathEnvVar names an explicit configuration file.
	PathEnvVar = "MAILRELAY_CONFIG"
	// DefaultName is the base name searched for when no path is given.
	DefaultName = "secrets"

	redacted = "********"
)

// Config is the relay configuration. It is loaded once at startup and
// never mutated afterwards.
type Config struct {
	Email     Email     `mapstructure:"email" yaml:"email"`
	Relay     Relay     `mapstructure:"relay" yaml:"relay"`
	Processor Processor `mapstructure:"processor" yaml:"processor"`
	Ledger    Ledger    `mapstructure:"ledger" yaml:"ledger"`
	Archive   Archive   `mapstructure:"archive" yaml:"archive"`
	Status    Status    `mapstructure:"status" yaml:"status"`
	Telemetry Telemetry `mapstructure:"telemetry" yaml:"telemetry"`
	Log       Log       `mapstructure:"log" yaml:"log"`
}

// Email holds the account and the two mail servers.
type Email struct {
	Username           string `mapstructure:"username" yaml:"username"`
	Password           string `mapstructure:"password" yaml:"password"`
	PasswordKeyring    string `mapstructure:"password_keyring" yaml:"password_keyring"`
	SenderEmail        string `mapstructure:"sender_email" yaml:"sender_email"`
	FromAddress        string `mapstructure:"from_address" yaml:"from_address"`
	IMAPServer         string `mapstructure:"imap_server" yaml:"imap_server"`
	IMAPPort           uint16 `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPServer         string `mapstructure:"smtp_server" yaml:"smtp_server"`
	SMTPPort           uint16 `mapstructure:"smtp_port" yaml:"smtp_port"`
	SMTPSecurity       string `mapstructure:"smtp_security" yaml:"smtp_security"`
	Mailbox            string `mapstructure:"mailbox" yaml:"mailbox"`
	ReplySubject       string `mapstructure:"reply_subject" yaml:"reply_subject"`
	MarkSeen           bool   `mapstructure:"mark_seen" yaml:"mark_seen"`
	BodyMode           string `mapstructure:"body_mode" yaml:"body_mode"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Relay tunes the poll loop.
type Relay struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	FailurePolicy  string        `mapstructure:"failure_policy" yaml:"failure_policy"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInitial   time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	RetryMax       time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout" yaml:"process_timeout"`
}

// Processor selects the reply generator.
type Processor struct {
	Type     string        `mapstructure:"type" yaml:"type"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	Template string        `mapstructure:"template" yaml:"template"`
	URL      string        `mapstructure:"url" yaml:"url"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Ledger enables the reply history store. An empty driver disables it.
type Ledger struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// Archive enables copying sent replies. An empty type disables it.
type Archive struct {
	Type     string `mapstructure:"type" yaml:"type"`
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Key      string `mapstructure:"key" yaml:"key"`
	Secret   string `mapstructure:"secret" yaml:"secret"`
}

// Status enables the HTTP status endpoint. An empty address disables it.
type Status struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Exporter    string            `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string            `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool              `mapstructure:"insecure" yaml:"insecure"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers"`
	ServiceName string            `mapstructure:"service_name" yaml:"service_name"`
	XRayIDs     bool              `mapstructure:"xray_ids" yaml:"xray_ids"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

const (
	PolicyStrict    = "strict"
	PolicyResilient = "resilient"
)

var defaults = map[string]any{
	"email.username":             "",
	"email.password":             "",
	"email.password_keyring":     "",
	"email.sender_email":         "",
	"email.from_address":         "",
	"email.imap_server":          "",
	"email.imap_port":            0,
	"email.smtp_server":          "",
	"email.smtp_port":            0,
	"email.smtp_security":        "tls",
	"email.mailbox":              "INBOX",
	"email.reply_subject":        "Response",
	"email.mark_seen":            false,
	"email.body_mode":            "text",
	"email.insecure_skip_verify": false,
	"relay.interval":             60 * time.Second,
	"relay.failure_policy":       PolicyStrict,
	"relay.max_retries":          5,
	"relay.retry_initial":        time.Second,
	"relay.retry_max":            time.Minute,
	"relay.process_timeout":      time.Duration(0),
	"processor.type":             "prefix",
	"processor.prefix":           "Processed: ",
	"processor.template":         "",
	"processor.url":              "",
	"processor.timeout":          30 * time.Second,
	"ledger.driver":              "",
	"ledger.dsn":                 "",
	"archive.type":               "",
	"archive.dir":                "",
	"archive.bucket":             "",
	"archive.prefix":             "replies",
	"archive.region":             "",
	"archive.endpoint":           "",
	"archive.key":                "",
	"archive.secret":             "",
	"status.addr":                "",
	"telemetry.exporter":         "none",
	"telemetry.endpoint":         "",
	"telemetry.insecure":         false,
	"telemetry.service_name":     "mailrelay",
	"telemetry.xray_ids":         false,
	"log.level":                  "info",
	"log.format":                 "json",
}

// Load reads configuration from path, or from a file named "secrets"
// (any viper-supported extension) in the working directory when path is
// empty. Environment variables override file values. Every failure is a
// ConfigError.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(PathEnvVar))
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return Config{}, mailerr.Errorf(mailerr.Config, "load", "no %q configuration file found", DefaultName)
		}
		return Config{}, mailerr.New(mailerr.Config, "load", err)
	}

	// mapstructure wraps out-of-range integers into uint16 silently.
	for _, key := range []string{"email.imap_port", "email.smtp_port"} {
		if port := v.GetInt(key); port < 0 || port > 65535 {
			return Config{}, mailerr.Errorf(mailerr.Config, "decode", "%s %d is not a valid port", key, port)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, mailerr.New(mailerr.Config, "decode", err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	for _, field := range []*string{
		&cfg.Email.SMTPSecurity,
		&cfg.Email.BodyMode,
		&cfg.Relay.FailurePolicy,
		&cfg.Processor.Type,
		&cfg.Ledger.Driver,
		&cfg.Archive.Type,
		&cfg.Telemetry.Exporter,
		&cfg.Log.Format,
		&cfg.Log.Level,
	} {
		*field = strings.ToLower(strings.TrimSpace(*field))
	}
}

// Validate checks required fields and enumerations. It reports every
// missing field at once.
func Validate(cfg Config) error {
	missing := []string{}
	if strings.TrimSpace(cfg.Email.Username) == "" {
		missing = append(missing, "email.username")
	}
	if cfg.Email.Password == "" && strings.TrimSpace(cfg.Email.PasswordKeyring) == "" {
		missing = append(missing, "email.password")
	}
	if strings.TrimSpace(cfg.Email.SenderEmail) == "" {
		missing = append(missing, "email.sender_email")
	}
	if strings.TrimSpace(cfg.Email.IMAPServer) == "" {
		missing = append(missing, "email.imap_server")
	}
	if cfg.Email.IMAPPort == 0 {
		missing = append(missing, "email.imap_port")
	}
	if strings.TrimSpace(cfg.Email.SMTPServer) == "" {
		missing = append(missing, "email.smtp_server")
	}
	if cfg.Email.SMTPPort == 0 {
		missing = append(missing, "email.smtp_port")
	}
	if len(missing) > 0 {
		return mailerr.Errorf(mailerr.Config, "validate", "missing required configuration: %s", strings.Join(missing, ", "))
	}

	checks := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"email.smtp_security", cfg.Email.SMTPSecurity, []string{"tls", "starttls", "none"}},
		{"email.body_mode", cfg.Email.BodyMode, []string{"text", "raw"}},
		{"relay.failure_policy", cfg.Relay.FailurePolicy, []string{PolicyStrict, PolicyResilient}},
		{"processor.type", cfg.Processor.Type, []string{"prefix", "template", "webhook"}},
		{"ledger.driver", cfg.Ledger.Driver, []string{"", "sqlite", "postgres"}},
		{"archive.type", cfg.Archive.Type, []string{"", "dir", "s3"}},
		{"telemetry.exporter", cfg.Telemetry.Exporter, []string{"none", "stdout", "otlp"}},
		{"log.format", cfg.Log.Format, []string{"json", "text"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return mailerr.Errorf(mailerr.Config, "validate", "invalid %s %q (want one of %s)", check.key, check.value, strings.Join(check.allowed, ", "))
		}
	}

	if cfg.Log.Level != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return mailerr.Errorf(mailerr.Config, "validate", "invalid log.level %q (want debug, info, warn or error)", cfg.Log.Level)
		}
	}
	if cfg.Relay.Interval <= 0 {
		return mailerr.Errorf(mailerr.Config, "validate", "relay.interval must be positive")
	}
	if cfg.Relay.MaxRetries < 0 {
		return mailerr.Errorf(mailerr.Config, "validate", "relay.max_retries must not be negative")
	}
	if cfg.Processor.Type == "webhook" && strings.TrimSpace(cfg.Processor.URL) == "" {
		return mailerr.Errorf(mailerr.Config, "validate", "processor.url is required for the webhook processor")
	}
	if cfg.Processor.Type == "template" && strings.TrimSpace(cfg.Processor.Template) == "" {
		return mailerr.Errorf(mailerr.Config, "validate", "processor.template is required for the template processor")
	}
	if cfg.Ledger.Driver != "" && strings.TrimSpace(cfg.Ledger.DSN) == "" {
		return mailerr.Errorf(mailerr.Config, "validate", "ledger.dsn is required when ledger.driver is set")
	}
	switch cfg.Archive.Type {
	case "dir":
		if strings.TrimSpace(cfg.Archive.Dir) == "" {
			return mailerr.Errorf(mailerr.Config, "validate", "archive.dir is required for the dir archive")
		}
	case "s3":
		if strings.TrimSpace(cfg.Archive.Bucket) == "" {
			return mailerr.Errorf(mailerr.Config, "validate", "archive.bucket is required for the s3 archive")
		}
	}
	if cfg.Telemetry.Exporter == "otlp" && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return mailerr.Errorf(mailerr.Config, "validate", "telemetry.endpoint is required for the otlp exporter")
	}
	return nil
}

// From is the address replies are sent from. It defaults to the
// account username.
func (e Email) From() string {
	if strings.TrimSpace(e.FromAddress) != "" {
		return e.FromAddress
	}
	return e.Username
}

// IMAPAddr joins the IMAP host and port.
func (e Email) IMAPAddr() string {
	return net.JoinHostPort(e.IMAPServer, strconv.Itoa(int(e.IMAPPort)))
}

// SMTPAddr joins the SMTP host and port.
func (e Email) SMTPAddr() string {
	return net.JoinHostPort(e.SMTPServer, strconv.Itoa(int(e.SMTPPort)))
}

// Summary returns a short human readable overview for `check`.
func Summary(cfg Config) string {
	return fmt.Sprintf(
		"Config summary\n"+
			"- account: %s\n"+
			"- watching: %s on %s for mail from %s\n"+
			"- replying via: %s (%s) as %s\n"+
			"- interval: %s, failure policy: %s\n"+
			"- processor: %s\n"+
			"- ledger: %s\n"+
			"- archive: %s\n"+
			"- status endpoint: %s\n"+
			"- telemetry: %s",
		cfg.Email.Username,
		cfg.Email.Mailbox, cfg.Email.IMAPAddr(), cfg.Email.SenderEmail,
		cfg.Email.SMTPAddr(), cfg.Email.SMTPSecurity, cfg.Email.From(),
		cfg.Relay.Interval, cfg.Relay.FailurePolicy,
		cfg.Processor.Type,
		defaultIfEmpty(cfg.Ledger.Driver, "(disabled)"),
		defaultIfEmpty(cfg.Archive.Type, "(disabled)"),
		defaultIfEmpty(cfg.Status.Addr, "(disabled)"),
		cfg.Telemetry.Exporter,
	)
}

// Dump renders cfg as YAML with secrets masked.
func Dump(cfg Config) ([]byte, error) {
	masked := cfg
	if masked.Email.Password != "" {
		masked.Email.Password = redacted
	}
	if masked.Archive.Secret != "" {
		masked.Archive.Secret = redacted
	}
	if masked.Ledger.DSN != "" && masked.Ledger.Driver == "postgres" {
		masked.Ledger.DSN = redacted
	}
	if len(masked.Telemetry.Headers) > 0 {
		headers := make(map[string]string, len(masked.Telemetry.Headers))
		for key := range masked.Telemetry.Headers {
			headers[key] = redacted
		}
		masked.Telemetry.Headers = headers
	}
	return yaml.Marshal(masked)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
