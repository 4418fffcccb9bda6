package cli

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/eidsign/config"
	"github.com/georgepadayatti/eidsign/keys"
	"github.com/georgepadayatti/eidsign/sign/signers"
	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	dir   string
	input string
	data  []byte
	p12   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetCompression(false)
	pdf.SetFont("Helvetica", "", 12)
	for i := 1; i <= 3; i++ {
		pdf.AddPage()
		pdf.Cell(100, 20, fmt.Sprintf("Page %d", i))
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	input := filepath.Join(dir, "in.pdf")
	require.NoError(t, os.WriteFile(input, buf.Bytes(), 0o600))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Test Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageContentCommitment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	p12, err := keys.EncodePKCS12(&keys.Credential{Certificate: cert, PrivateKey: key}, "secret")
	require.NoError(t, err)
	p12Path := filepath.Join(dir, "signer.p12")
	require.NoError(t, os.WriteFile(p12Path, p12, 0o600))

	return &env{dir: dir, input: input, data: buf.Bytes(), p12: p12Path}
}

func run(t *testing.T, stdin string, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = Execute(args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func (e *env) digest() string {
	sum := sha256.Sum256(e.data)
	return hex.EncodeToString(sum[:])
}

func decodeResponse(t *testing.T, stdout string) SignResponse {
	t.Helper()
	var resp SignResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), "stdout: %s", stdout)
	return resp
}

func TestSignJSON(t *testing.T) {
	e := newEnv(t)
	output := filepath.Join(e.dir, "out.pdf")
	req := fmt.Sprintf(`{"pdf_path": %q, "output_path": %q, "file_hash": %q}`, e.input, output, e.digest())

	code, stdout, stderr := run(t, req, "sign", "--json", "--p12", e.p12, "--p12-password", "secret")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	resp := decodeResponse(t, stdout)
	assert.True(t, resp.Success)
	assert.Equal(t, "PDF signed successfully", resp.Message)
	assert.Equal(t, output, resp.OutputPath)
	assert.Empty(t, resp.Error)

	code, stdout, _ = run(t, "", "verify", "--json", output)
	require.Equal(t, 0, code)
	var results []VerifyResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].Valid)
	assert.True(t, results[0].CoversWholeFile)
	assert.Equal(t, "Test Signer", results[0].SignerName)
	assert.Equal(t, "Document approval", results[0].Reason)
	assert.Equal(t, "Belgium", results[0].Location)
	assert.Equal(t, resp.FieldName, results[0].FieldName)
}

func TestSignJSONInputPathAlias(t *testing.T) {
	e := newEnv(t)
	output := filepath.Join(e.dir, "alias.pdf")
	req := fmt.Sprintf(`{"input_path": %q, "output_path": %q}`, e.input, output)
	code, stdout, stderr := run(t, req, "sign", "--json", "--p12", e.p12, "--p12-password", "secret")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.True(t, decodeResponse(t, stdout).Success)
	assert.FileExists(t, output)
}

func TestSignJSONFailures(t *testing.T) {
	e := newEnv(t)
	output := filepath.Join(e.dir, "out.pdf")

	tests := []struct {
		name  string
		stdin string
		args  []string
		kind  string
		code  int
	}{
		{"integrity mismatch", fmt.Sprintf(`{"pdf_path": %q, "output_path": %q, "file_hash": %q}`,
			e.input, output, strings.Repeat("ab", 32)), nil, "IntegrityMismatch", 0},
		{"page out of range", fmt.Sprintf(`{"pdf_path": %q, "output_path": %q, "page": 3}`,
			e.input, output), nil, "InvalidPageReference", 0},
		{"bad geometry", fmt.Sprintf(`{"pdf_path": %q, "output_path": %q, "width": 0}`,
			e.input, output), nil, "InvalidGeometry", 0},
		{"no input", fmt.Sprintf(`{"output_path": %q}`, output), nil, "InvalidRequest", 0},
		{"invalid json", `{"pdf_path": `, nil, "InvalidRequest", 1},
		{"cert without key", fmt.Sprintf(`{"pdf_path": %q, "output_path": %q, "use_auth_cert": true}`,
			e.input, output), []string{"--cert", e.p12}, "TokenUnavailable", 0},
		{"wrong p12 password", fmt.Sprintf(`{"pdf_path": %q, "output_path": %q}`,
			e.input, output), []string{"--p12", e.p12, "--p12-password", "wrong"}, "TokenUnavailable", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"sign", "--json"}, tt.args...)
			if tt.args == nil {
				args = append(args, "--p12", e.p12, "--p12-password", "secret")
			}
			// Reported failures exit 0 so the caller reads the result.
			code, stdout, _ := run(t, tt.stdin, args...)
			assert.Equal(t, tt.code, code)
			resp := decodeResponse(t, stdout)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, resp.Traceback, "trace only with --debug")

			_, err := os.Stat(output)
			assert.True(t, errors.Is(err, os.ErrNotExist))
		})
	}
}

func TestSignJSONDebugTrace(t *testing.T) {
	e := newEnv(t)
	req := fmt.Sprintf(`{"pdf_path": %q, "output_path": %q, "page": 7}`, e.input, filepath.Join(e.dir, "out.pdf"))
	code, stdout, _ := run(t, req, "sign", "--json", "--debug", "--p12", e.p12, "--p12-password", "secret")
	assert.Equal(t, 0, code)
	resp := decodeResponse(t, stdout)
	assert.Contains(t, resp.Traceback, "state: IntegrityVerified")
}

func TestSignTokenUnavailable(t *testing.T) {
	e := newEnv(t)
	cfgPath := filepath.Join(e.dir, "eidsign.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("pkcs11:\n  module-path: "+filepath.Join(e.dir, "missing.so")+"\n"), 0o600))
	t.Setenv("EIDSIGN_PKCS11_MODULE", "")

	output := filepath.Join(e.dir, "out.pdf")
	req := fmt.Sprintf(`{"pdf_path": %q, "output_path": %q}`, e.input, output)
	code, stdout, _ := run(t, req, "--config", cfgPath, "sign", "--json")
	assert.Equal(t, 0, code)
	assert.Equal(t, "TokenUnavailable", decodeResponse(t, stdout).Kind)
}

func TestAuthenticationRoleFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte("signature:\n  role: Authentication\n"))
	require.NoError(t, err)
	assert.True(t, defaultSignRequest(cfg).UseAuthCert)

	cfg, err = config.Parse([]byte("signature:\n  role: signature\n"))
	require.NoError(t, err)
	assert.False(t, defaultSignRequest(cfg).UseAuthCert)
}

func TestSignFlags(t *testing.T) {
	e := newEnv(t)
	output := filepath.Join(e.dir, "flags.pdf")
	code, stdout, stderr := run(t, "", "sign", "-i", e.input, "-o", output,
		"--invisible", "--reason", "Reviewed", "--field", "Review",
		"--p12", e.p12, "--p12-password", "secret")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "PDF signed successfully")
	assert.Contains(t, stdout, "Review")

	code, stdout, _ = run(t, "", "verify", output)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Review")
	assert.Contains(t, stdout, "Reviewed")
	assert.Contains(t, stdout, "entire file")
}

func TestSignFlagsFailure(t *testing.T) {
	e := newEnv(t)
	code, stdout, _ := run(t, "", "sign", "-i", e.input, "-o", filepath.Join(e.dir, "out.pdf"),
		"--page", "5", "--p12", e.p12, "--p12-password", "secret")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "InvalidPageReference")
}

func TestDigest(t *testing.T) {
	e := newEnv(t)
	code, stdout, _ := run(t, "", "digest", e.input)
	assert.Equal(t, 0, code)
	assert.Equal(t, e.digest()+"\n", stdout)

	code, _, stderr := run(t, "", "digest", filepath.Join(e.dir, "missing.pdf"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "missing.pdf")
}

func TestVerifyUnsigned(t *testing.T) {
	e := newEnv(t)
	code, _, stderr := run(t, "", "verify", e.input)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no signatures found")
}

func TestVerifyTampered(t *testing.T) {
	e := newEnv(t)
	output := filepath.Join(e.dir, "out.pdf")
	code, _, _ := run(t, "", "sign", "-i", e.input, "-o", output, "--p12", e.p12, "--p12-password", "secret")
	require.Equal(t, 0, code)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	// Page text in an uncompressed content stream, covered by the first
	// byte range.
	idx := bytes.Index(data, []byte("(Page 1)"))
	require.Positive(t, idx)
	data[idx+6] = '9'
	require.NoError(t, os.WriteFile(output, data, 0o600))

	code, stdout, _ := run(t, "", "verify", output)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "INVALID")
}

func TestToken(t *testing.T) {
	defer func(orig signers.ModuleLoader) { moduleLoader = orig }(moduleLoader)
	moduleLoader = func(path string) (signers.Module, error) {
		return nil, fmt.Errorf("%w: cannot load %s", signers.ErrTokenUnavailable, path)
	}
	code, _, stderr := run(t, "", "token")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "token unavailable")
}

func TestVersion(t *testing.T) {
	code, stdout, _ := run(t, "", "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "eidsign version dev")
}
