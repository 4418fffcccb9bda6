package config

import (
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestPinModeParsing(t *testing.T) {
	tests := []struct {
		input       string
		expected    PinMode
		shouldError bool
	}{
		{"skip", PinSkip, false},
		{"", PinSkip, false},
		{"DEFER", PinDefer, false},
		{"Prompt", PinPrompt, false},
		{"always", PinSkip, true},
	}
	for _, tt := range tests {
		mode, err := ParsePinMode(tt.input)
		if (err != nil) != tt.shouldError {
			t.Errorf("ParsePinMode(%q) error = %v", tt.input, err)
			continue
		}
		if mode != tt.expected {
			t.Errorf("ParsePinMode(%q) = %v, want %v", tt.input, mode, tt.expected)
		}
	}
}

func TestPinModeYAMLRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(PKCS11Config{ModulePath: "/m.so", PinMode: PinDefer})
	if err != nil {
		t.Fatal(err)
	}
	var back PKCS11Config
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v\n%s", err, out)
	}
	if back.PinMode != PinDefer {
		t.Errorf("PinMode = %v", back.PinMode)
	}
}

func TestParsePKCS11URI(t *testing.T) {
	uri, err := ParsePKCS11URI("pkcs11:token=BELPIC;object=Signature;slot-id=0?module-path=/usr/lib/libbeidpkcs11.so&pin-value=1234")
	if err != nil {
		t.Fatalf("ParsePKCS11URI failed: %v", err)
	}
	if uri.Path["token"] != "BELPIC" || uri.Path["object"] != "Signature" || uri.Path["slot-id"] != "0" {
		t.Errorf("unexpected path attributes %v", uri.Path)
	}
	if uri.Query["module-path"] != "/usr/lib/libbeidpkcs11.so" || uri.Query["pin-value"] != "1234" {
		t.Errorf("unexpected query attributes %v", uri.Query)
	}

	escaped, err := ParsePKCS11URI("pkcs11:token=My%20Token")
	if err != nil || escaped.Path["token"] != "My Token" {
		t.Errorf("percent decoding: %v %v", escaped, err)
	}

	for _, bad := range []string{
		"token=BELPIC",
		"pkcs11:token",
		"pkcs11:slot-id=abc",
		"pkcs11:token=x?pin-value=1&pin-source=file:///pin",
		"pkcs11:?module-path=relative.so",
	} {
		if _, err := ParsePKCS11URI(bad); err == nil {
			t.Errorf("ParsePKCS11URI(%q) should fail", bad)
		}
	}
}

func TestApplyURI(t *testing.T) {
	cfg := DefaultPKCS11Config()
	cfg.URI = "pkcs11:token=TEST;serial=0042;slot-id=2?module-path=/opt/softhsm.so&pin-value=9999"
	if err := cfg.ApplyURI(); err != nil {
		t.Fatalf("ApplyURI failed: %v", err)
	}
	if cfg.TokenLabel != "TEST" || cfg.TokenSerial != "0042" || cfg.ModulePath != "/opt/softhsm.so" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.SlotID == nil || *cfg.SlotID != 2 || cfg.SlotNo != nil {
		t.Errorf("SlotID = %v, SlotNo = %v", cfg.SlotID, cfg.SlotNo)
	}
	if cfg.PinMode != PinPrompt || cfg.UserPIN != "9999" {
		t.Errorf("PIN not taken from URI: %v %q", cfg.PinMode, cfg.UserPIN)
	}

	cfg = DefaultPKCS11Config()
	cfg.URI = "pkcs11:token=BELPIC;slot-id=first"
	var cfgErr *ConfigError
	if err := cfg.ApplyURI(); !errors.As(err, &cfgErr) || cfgErr.Field != "pkcs11.uri" {
		t.Errorf("non-numeric slot-id: %v", err)
	}
}
