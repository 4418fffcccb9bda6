package integrity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SHA-256 of "abc".
const abcDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestVerify(t *testing.T) {
	data := []byte("abc")
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"empty skips", "", false},
		{"match", abcDigest, false},
		{"upper case", strings.ToUpper(abcDigest), false},
		{"surrounding space", " " + abcDigest + "\n", false},
		{"mismatch", strings.Repeat("0", 64), true},
		{"too short", abcDigest[:62], true},
		{"not hex", "zz" + abcDigest[2:], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Verify(data, tt.expected)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIntegrityMismatch)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, abcDigest, d.String())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.pdf")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	data, d, err := Load(path, abcDigest)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, abcDigest, d.String())

	data, _, err = Load(path, strings.Repeat("f", 64))
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.Nil(t, data)

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.pdf"), "")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
