package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"licverify/internal/license"
)

// Config represents the complete application configuration
type Config struct {
	License LicenseConfig `yaml:"license"`
	NTP     NTPConfig     `yaml:"ntp"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LicenseConfig describes the verification key and the license checked by
// the service and the gate middleware
type LicenseConfig struct {
	PublicKey          string        `yaml:"public_key" split_words:"true"`
	PublicKeyFile      string        `yaml:"public_key_file" split_words:"true"`
	KeySize            int           `yaml:"key_size" split_words:"true" validate:"min=1024,max=16384"`
	KeyStore           string        `yaml:"key_store" split_words:"true" validate:"omitempty,oneof=inline pkcs11"`
	PKCS11             PKCS11Config  `yaml:"pkcs11"`
	RequireNetworkTime bool          `yaml:"require_network_time" split_words:"true"`
	SupportedTypes     []string      `yaml:"supported_types" split_words:"true" validate:"min=1,dive,license_type"`
	ExpectedName       string        `yaml:"expected_name" split_words:"true"`
	File               string        `yaml:"license_file" validate:"required"`
	CacheTTL           time.Duration `yaml:"cache_ttl" split_words:"true" validate:"gt=0"`
	InvalidCacheTTL    time.Duration `yaml:"invalid_cache_ttl" split_words:"true" validate:"gt=0"`
}

// PKCS11Config locates the verification key on a hardware token
type PKCS11Config struct {
	Module string `yaml:"module"`
	Slot   uint   `yaml:"slot"`
	Label  string `yaml:"label"`
	ID     string `yaml:"id" validate:"omitempty,hexadecimal"` // hex-encoded CKA_ID
	PIN    string `yaml:"pin"`
}

// NTPConfig contains the trusted time authority settings
type NTPConfig struct {
	Server  string        `yaml:"server" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string          `yaml:"host"`
	Port            int             `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" split_words:"true" validate:"gt=0"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" split_words:"true" validate:"gt=0"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" split_words:"true" validate:"gt=0"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" split_words:"true" validate:"gt=0"`
	RequestTimeout  time.Duration   `yaml:"request_timeout" split_words:"true" validate:"gt=0"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes" split_words:"true" validate:"min=1024"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" split_words:"true"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps" validate:"gt=0"`
	Burst   int     `yaml:"burst" validate:"min=1"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" split_words:"true"`
}

// MetricsConfig controls the Prometheus endpoint and trace export
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"startswith=/"`
	Tracing bool   `yaml:"tracing"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("license_type", isLicenseType)
	return v
}

func isLicenseType(fl validator.FieldLevel) bool {
	_, err := license.ParseType(fl.Field().String())
	return err == nil
}

// Load reads the configuration for the running executable. The YAML file
// named by LICVERIFY_CONFIG, or licverify.yaml next to the executable when
// present, is applied over the defaults and environment variables are
// applied last.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	return LoadFrom(paths, os.Getenv(EnvConfigFile))
}

// LoadFrom loads configuration using paths for defaults and relative path
// resolution. An explicit file must exist; with file empty the default
// config file is used only if present.
func LoadFrom(paths *Paths, file string) (*Config, error) {
	cfg := Default()

	if file == "" && FileExists(paths.ConfigFile) {
		file = paths.ConfigFile
	}
	if file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.resolvePaths(paths)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := cfg.loadPublicKey(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile overlays a YAML file onto c. Unknown keys are rejected.
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Config) resolvePaths(paths *Paths) {
	c.License.File = paths.Resolve(c.License.File)
	c.License.PublicKeyFile = paths.Resolve(c.License.PublicKeyFile)
	c.Logging.FilePath = paths.Resolve(c.Logging.FilePath)
}

// loadPublicKey reads public_key_file when no inline key is configured
func (c *Config) loadPublicKey() error {
	if c.License.PublicKey != "" || c.License.PublicKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.License.PublicKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}
	c.License.PublicKey = strings.TrimSpace(string(data))
	return nil
}

// Validate checks field constraints and the rules spanning sections
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.License.KeyStore == string(license.KeyStorePKCS11) && c.License.PKCS11.Module == "" {
		return errors.New("license.pkcs11.module is required when key_store is pkcs11")
	}
	if c.License.PublicKey != "" && c.License.PublicKeyFile != "" {
		return errors.New("license.public_key and license.public_key_file are mutually exclusive")
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required for output %q", c.Logging.Output)
	}
	return nil
}

// ValidatorConfig converts the license section into the validator's
// immutable configuration
func (c *Config) ValidatorConfig() (license.Config, error) {
	types := make([]license.Type, 0, len(c.License.SupportedTypes))
	for _, name := range c.License.SupportedTypes {
		t, err := license.ParseType(name)
		if err != nil {
			return license.Config{}, err
		}
		types = append(types, t)
	}

	var keyID []byte
	if c.License.PKCS11.ID != "" {
		id, err := hex.DecodeString(c.License.PKCS11.ID)
		if err != nil {
			return license.Config{}, fmt.Errorf("invalid license.pkcs11.id: %w", err)
		}
		keyID = id
	}

	store := license.KeyStoreInline
	if c.License.KeyStore == string(license.KeyStorePKCS11) {
		store = license.KeyStorePKCS11
	}

	return license.Config{
		PublicKey: c.License.PublicKey,
		KeySize:   c.License.KeySize,
		KeyStore:  store,
		PKCS11: license.PKCS11Config{
			Module: c.License.PKCS11.Module,
			Slot:   c.License.PKCS11.Slot,
			Label:  c.License.PKCS11.Label,
			ID:     keyID,
			PIN:    c.License.PKCS11.PIN,
		},
		RequireNetworkTimeCheck: c.License.RequireNetworkTime,
		NTPServer:               c.NTP.Server,
		ReceiveTimeout:          c.NTP.Timeout,
		SupportedTypes:          types,
	}, nil
}

// ExpectedName returns the configured license holder name, or nil when
// names are not checked
func (c *Config) ExpectedName() *string {
	if c.License.ExpectedName == "" {
		return nil
	}
	name := c.License.ExpectedName
	return &name
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		License: LicenseConfig{
			KeySize:            DefaultKeySize,
			RequireNetworkTime: true,
			SupportedTypes:     []string{license.TypeNone.String()},
			File:               LicenseFileName,
			CacheTTL:           DefaultCacheTTL,
			InvalidCacheTTL:    DefaultInvalidCacheTTL,
		},
		NTP: NTPConfig{
			Server:  DefaultNTPServer,
			Timeout: DefaultNTPTimeout,
		},
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: LogsDirName + "/" + LogFileName,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
	}
}
