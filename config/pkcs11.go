package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PinMode defines how the session authenticates to the token.
type PinMode int

const (
	// PinSkip does not log in. The eID middleware asks for the PIN itself
	// when the signature key is used.
	PinSkip PinMode = iota
	// PinDefer logs in with an empty PIN so that a protected authentication
	// path (PIN pad reader) collects it.
	PinDefer
	// PinPrompt logs in with the configured PIN.
	PinPrompt
)

// String returns the string representation of the PIN mode.
func (m PinMode) String() string {
	switch m {
	case PinSkip:
		return "skip"
	case PinDefer:
		return "defer"
	case PinPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// ParsePinMode parses a PIN mode name, case-insensitively.
func ParsePinMode(s string) (PinMode, error) {
	switch strings.ToLower(s) {
	case "skip", "":
		return PinSkip, nil
	case "defer":
		return PinDefer, nil
	case "prompt":
		return PinPrompt, nil
	default:
		return PinSkip, fmt.Errorf("invalid PIN mode: %s (must be skip, defer or prompt)", s)
	}
}

// UnmarshalYAML accepts the mode by name.
func (m *PinMode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	mode, err := ParsePinMode(s)
	if err != nil {
		return &ConfigError{Field: "pkcs11.pin-mode", Message: err.Error()}
	}
	*m = mode
	return nil
}

// MarshalYAML writes the mode by name.
func (m PinMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// PKCS11Config locates the token and the certificates on it.
type PKCS11Config struct {
	// ModulePath is the PKCS#11 library of the card middleware.
	ModulePath string `yaml:"module-path"`
	// SlotNo selects a slot by index among the slots holding a token.
	SlotNo *int `yaml:"slot-no"`
	// SlotID selects a slot by its CK_SLOT_ID, as in the URI slot-id.
	SlotID *uint `yaml:"slot-id"`
	// TokenLabel must match the token label (trailing padding ignored).
	TokenLabel  string `yaml:"token-label"`
	TokenSerial string `yaml:"token-serial"`
	PinMode     PinMode `yaml:"pin-mode"`
	UserPIN     string  `yaml:"user-pin"`
	// OtherCerts are labels of the chain certificates to embed.
	OtherCerts []string `yaml:"other-certs"`
	// BulkFetch enumerates all certificates once instead of one lookup per
	// label.
	BulkFetch bool `yaml:"bulk-fetch"`
	// EmbedRoots keeps self-signed certificates in the embedded chain.
	EmbedRoots bool `yaml:"embed-roots"`
	// URI is an RFC 7512 PKCS#11 URI that overrides the fields above.
	URI string `yaml:"uri"`
}

// DefaultPKCS11Config returns the settings for a Belgian eID card.
func DefaultPKCS11Config() PKCS11Config {
	return PKCS11Config{
		ModulePath: DefaultModulePath(runtime.GOOS),
		TokenLabel: "BELPIC",
		PinMode:    PinSkip,
		OtherCerts: []string{"Root", "CA"},
		EmbedRoots: true,
	}
}

// DefaultModulePath returns where the eID middleware installs its PKCS#11
// library on the given platform.
func DefaultModulePath(goos string) string {
	switch goos {
	case "darwin":
		return "/Library/Belgium Identity Card/Pkcs11/beid-pkcs11.bundle/Contents/MacOS/libbeidpkcs11.dylib"
	case "windows":
		return `C:\Windows\System32\beidpkcs11.dll`
	default:
		return "/usr/lib/x86_64-linux-gnu/libbeidpkcs11.so.0"
	}
}

// Validate validates the PKCS#11 configuration.
func (c *PKCS11Config) Validate() error {
	if c.ModulePath == "" {
		return &ConfigError{Field: "pkcs11.module-path", Message: "PKCS#11 module path is required", Err: ErrMissingRequiredField}
	}
	if c.SlotNo != nil && *c.SlotNo < 0 {
		return NewConfigError("pkcs11.slot-no", "must not be negative")
	}
	if c.PinMode == PinPrompt && c.UserPIN == "" {
		return &ConfigError{Field: "pkcs11.user-pin", Message: "pin-mode prompt needs a PIN (config, URI or " + EnvPIN + ")", Err: ErrMissingRequiredField}
	}
	return nil
}

// ApplyURI copies the attributes of the URI field onto the discrete
// settings. Unknown attributes are ignored.
func (c *PKCS11Config) ApplyURI() error {
	if c.URI == "" {
		return nil
	}
	uri, err := ParsePKCS11URI(c.URI)
	if err != nil {
		return &ConfigError{Field: "pkcs11.uri", Message: err.Error(), Err: err}
	}
	if v, ok := uri.Path["token"]; ok {
		c.TokenLabel = v
	}
	if v, ok := uri.Path["serial"]; ok {
		c.TokenSerial = v
	}
	if v, ok := uri.Path["slot-id"]; ok {
		id, err := strconv.ParseUint(v, 10, 0)
		if err != nil {
			return NewConfigError("pkcs11.uri", fmt.Sprintf("slot-id %q is not a number", v))
		}
		slot := uint(id)
		c.SlotID = &slot
	}
	if v, ok := uri.Query["module-path"]; ok {
		c.ModulePath = v
	}
	if v, ok := uri.Query["pin-value"]; ok {
		c.UserPIN = v
		c.PinMode = PinPrompt
	}
	return nil
}
