package generic

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var utf16BOM = []byte{0xFE, 0xFF}

// NewTextString encodes s as a PDF text string: plain bytes when every rune
// is printable ASCII, UTF-16BE with a byte order mark otherwise.
func NewTextString(s string) *StringObject {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			ascii = false
			break
		}
	}
	if ascii {
		return &StringObject{Value: []byte(s)}
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		// invalid UTF-8 input, keep the raw bytes
		return &StringObject{Value: []byte(s)}
	}
	return &StringObject{Value: out}
}

// TextString decodes a PDF text string. Strings without a UTF-16 byte
// order mark are read as Latin-1, which matches PDFDocEncoding for the
// characters that matter in field names and signature metadata.
func (s *StringObject) TextString() string {
	if bytes.HasPrefix(s.Value, utf16BOM) {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if out, err := dec.Bytes(s.Value); err == nil {
			return string(out)
		}
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(s.Value)
	if err != nil {
		return string(s.Value)
	}
	return string(out)
}

// FormatDate renders t as a PDF date string, D:YYYYMMDDHHmmSS+HH'mm'.
func FormatDate(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("D:%s%c%02d'%02d'", t.Format("20060102150405"), sign, offset/3600, (offset%3600)/60)
}

// ParseDate parses a PDF date string. Missing trailing components default
// as the PDF reference prescribes; a missing offset means UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimPrefix(s, "D:")
	digits := len(s)
	for i, c := range s {
		if c < '0' || c > '9' {
			digits = i
			break
		}
	}
	if digits < 4 || digits%2 != 0 || digits > 14 {
		return time.Time{}, fmt.Errorf("%w: unrecognized date %q", ErrInvalidString, s)
	}
	// pad to YYYYMMDDHHmmSS with month and day defaulting to 01
	stamp := s[:digits] + "0101000000"[digits-4:]
	t, err := time.Parse("20060102150405", stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidString, err)
	}

	rest := strings.ReplaceAll(s[digits:], "'", "")
	if rest == "" || rest[0] == 'Z' {
		return t, nil
	}
	if len(rest) < 3 || (rest[0] != '+' && rest[0] != '-') {
		return time.Time{}, fmt.Errorf("%w: bad zone in date %q", ErrInvalidString, s)
	}
	hh, err := strconv.Atoi(rest[1:3])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad zone in date %q", ErrInvalidString, s)
	}
	mm := 0
	if len(rest) >= 5 {
		if mm, err = strconv.Atoi(rest[3:5]); err != nil {
			return time.Time{}, fmt.Errorf("%w: bad zone in date %q", ErrInvalidString, s)
		}
	}
	offset := hh*3600 + mm*60
	if rest[0] == '-' {
		offset = -offset
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0,
		time.FixedZone("", offset)), nil
}
