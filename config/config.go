// Package config loads the signing tool configuration: the PKCS#11 token
// settings, the visible stamp and the default signature metadata.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/georgepadayatti/eidsign/pdf/layout"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
)

// Environment variables that override the loaded configuration.
const (
	EnvModulePath = "EIDSIGN_PKCS11_MODULE"
	EnvTokenLabel = "EIDSIGN_TOKEN_LABEL"
	EnvPIN        = "EIDSIGN_PIN"
	EnvFontPath   = "EIDSIGN_FONT_PATH"
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// StampConfig configures the visible signature appearance.
type StampConfig struct {
	// FontPath is a TrueType font. Empty selects JetBrainsMono-Regular.ttf
	// next to the executable (or in fonts/ beside it), and Helvetica when
	// that is missing.
	FontPath        string  `yaml:"font-path"`
	Template        string  `yaml:"template"`
	FontSize        float64 `yaml:"font-size"`
	Leading         float64 `yaml:"leading"`
	BorderWidth     float64 `yaml:"border-width"`
	TimestampFormat string  `yaml:"timestamp-format"`
	// XAlign and YAlign are min, mid or max. Min is left and bottom.
	XAlign string `yaml:"x-align"`
	YAlign string `yaml:"y-align"`
}

// SignatureConfig holds defaults for the signature dictionary.
type SignatureConfig struct {
	Reason      string `yaml:"reason"`
	Location    string `yaml:"location"`
	ContactInfo string `yaml:"contact-info"`
	// Role is "signature" or "authentication".
	Role string `yaml:"role"`
}

// Config is the root of the configuration file.
type Config struct {
	PKCS11    PKCS11Config    `yaml:"pkcs11"`
	Stamp     StampConfig     `yaml:"stamp"`
	Signature SignatureConfig `yaml:"signature"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		PKCS11: DefaultPKCS11Config(),
		Stamp: StampConfig{
			Template:        "Digitally signed by\n%(signer)s\n%(ts)s",
			FontSize:        10,
			Leading:         12,
			BorderWidth:     1,
			TimestampFormat: "2006-01-02 15:04:05 MST",
		},
		Signature: SignatureConfig{
			Reason:   "Document approval",
			Location: "Belgium",
			Role:     "signature",
		},
	}
}

// Load reads the configuration file at path on top of the defaults, then
// applies a .env file from the working directory (if any) and the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("failed to read config file: %v", err), Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("failed to parse config file: %v", err), Err: err}
		}
	}

	// A missing .env is normal; existing variables win over its values.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &ConfigError{Field: ".env", Message: err.Error(), Err: err}
	}
	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.PKCS11.ApplyURI(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without touching the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("failed to parse config: %v", err), Err: err}
	}
	if err := cfg.PKCS11.ApplyURI(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides settings from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvModulePath); ok && v != "" {
		c.PKCS11.ModulePath = v
	}
	if v, ok := lookup(EnvTokenLabel); ok && v != "" {
		c.PKCS11.TokenLabel = v
	}
	if v, ok := lookup(EnvPIN); ok && v != "" {
		c.PKCS11.UserPIN = v
		c.PKCS11.PinMode = PinPrompt
	}
	if v, ok := lookup(EnvFontPath); ok && v != "" {
		c.Stamp.FontPath = v
	}
}

// Validate checks the configuration for values the signing pipeline
// cannot work with.
func (c *Config) Validate() error {
	if err := c.PKCS11.Validate(); err != nil {
		return err
	}
	c.Signature.Role = strings.ToLower(strings.TrimSpace(c.Signature.Role))
	switch c.Signature.Role {
	case "", "signature", "authentication":
	default:
		return NewConfigError("signature.role", fmt.Sprintf("unknown role %q (must be signature or authentication)", c.Signature.Role))
	}
	if c.Stamp.FontSize <= 0 {
		return NewConfigError("stamp.font-size", "must be positive")
	}
	if c.Stamp.Leading <= 0 {
		return NewConfigError("stamp.leading", "must be positive")
	}
	if c.Stamp.BorderWidth < 0 {
		return NewConfigError("stamp.border-width", "must not be negative")
	}
	if _, err := layout.ParseAlignment(c.Stamp.XAlign); err != nil {
		return NewConfigError("stamp.x-align", err.Error())
	}
	if _, err := layout.ParseAlignment(c.Stamp.YAlign); err != nil {
		return NewConfigError("stamp.y-align", err.Error())
	}
	return nil
}
