package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// PKCS11URI is a parsed RFC 7512 URI such as
// pkcs11:token=BELPIC;object=Signature?module-path=/usr/lib/libbeidpkcs11.so
type PKCS11URI struct {
	Path  map[string]string
	Query map[string]string
}

// ParsePKCS11URI parses and validates a PKCS#11 URI.
func ParsePKCS11URI(uri string) (*PKCS11URI, error) {
	if !strings.HasPrefix(uri, "pkcs11:") {
		return nil, fmt.Errorf("malformed pkcs11 URI: missing 'pkcs11:' prefix: %s", uri)
	}
	parsed := &PKCS11URI{Path: map[string]string{}, Query: map[string]string{}}

	path, query, hasQuery := strings.Cut(uri[len("pkcs11:"):], "?")
	if err := splitAttributes(path, ";", parsed.Path); err != nil {
		return nil, err
	}
	if hasQuery {
		if err := splitAttributes(query, "&", parsed.Query); err != nil {
			return nil, err
		}
	}

	if slot, ok := parsed.Path["slot-id"]; ok {
		if _, err := strconv.ParseUint(slot, 10, 32); err != nil {
			return nil, fmt.Errorf("slot-id must be a number: %s", slot)
		}
	}
	_, hasSource := parsed.Query["pin-source"]
	_, hasValue := parsed.Query["pin-value"]
	if hasSource && hasValue {
		return nil, fmt.Errorf("URI must not contain both pin-source and pin-value")
	}
	if mp, ok := parsed.Query["module-path"]; ok && !filepath.IsAbs(mp) {
		return nil, fmt.Errorf("path %s of module-path attribute must be absolute", mp)
	}
	return parsed, nil
}

func splitAttributes(s, sep string, into map[string]string) error {
	if s == "" {
		return nil
	}
	for _, part := range strings.Split(s, sep) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("malformed pkcs11 URI: malformed attribute %q", part)
		}
		decoded, err := url.PathUnescape(value)
		if err != nil {
			return fmt.Errorf("failed to decode attribute value: %w", err)
		}
		into[key] = decoded
	}
	return nil
}
