// Package signers holds the signing identities used for PDF signatures: the
// eID card reached over PKCS#11, a software credential for development, and
// the byte-range signing procedure that drives either of them.
package signers

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/georgepadayatti/eidsign/keys"
	"github.com/georgepadayatti/eidsign/sign/cms"
)

var (
	// ErrTokenUnavailable means the module could not be loaded or no token
	// is present.
	ErrTokenUnavailable = errors.New("token unavailable")
	// ErrTokenLabelMismatch means tokens are present but none carries the
	// configured label.
	ErrTokenLabelMismatch = errors.New("no token with the expected label")
	// ErrCertificateNotFound means the certificate or key for the requested
	// role is missing.
	ErrCertificateNotFound = errors.New("certificate not found on token")
	// ErrTokenOperationFailed covers failures once the session is open: card
	// removed, PIN cancelled or blocked, device errors.
	ErrTokenOperationFailed = errors.New("token operation failed")
)

// CertificateRole selects which key pair of the card signs.
type CertificateRole int

const (
	// RoleSignature is the qualified non-repudiation key.
	RoleSignature CertificateRole = iota
	// RoleAuthentication is the authentication key.
	RoleAuthentication
)

// Label returns the PKCS#11 object label of the role's certificate and key.
func (r CertificateRole) Label() string {
	if r == RoleAuthentication {
		return "Authentication"
	}
	return "Signature"
}

func (r CertificateRole) String() string {
	return strings.ToLower(r.Label())
}

// ParseRole parses "signature" or "authentication".
func ParseRole(s string) (CertificateRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "signature":
		return RoleSignature, nil
	case "authentication", "auth":
		return RoleAuthentication, nil
	}
	return RoleSignature, fmt.Errorf("unknown certificate role %q", s)
}

// Signer is a signing identity: a key usable through crypto.Signer plus the
// certificate and chain to embed.
type Signer interface {
	crypto.Signer
	Certificate() *x509.Certificate
	Chain() []*x509.Certificate
}

// Session is an open connection to a key store. It is held exclusively for
// one signing operation.
type Session interface {
	Signer(role CertificateRole) (Signer, error)
	Close() error
}

// SessionOpener opens sessions. Opening is deferred until the document has
// been checked and prepared, so that the card is only touched when signing
// is certain to be attempted.
type SessionOpener interface {
	Open(ctx context.Context) (Session, error)
}

// SignDetached builds the CMS container for a byte-range digest. The
// signer only sees the digest of the signed attributes.
func SignDetached(signer Signer, digest []byte, signingTime time.Time) ([]byte, error) {
	alg, err := cms.AlgorithmFor(signer.Public(), crypto.SHA256)
	if err != nil {
		return nil, err
	}
	return cms.NewCMSBuilder(signer.Certificate(), signer, alg).
		SetCertificateChain(signer.Chain()).
		SetSigningTime(signingTime).
		SignDigest(digest)
}

// SoftSigner signs with a software credential.
type SoftSigner struct {
	cred *keys.Credential
}

// NewSoftSigner wraps a loaded credential.
func NewSoftSigner(cred *keys.Credential) *SoftSigner {
	return &SoftSigner{cred: cred}
}

func (s *SoftSigner) Public() crypto.PublicKey { return s.cred.PrivateKey.Public() }

func (s *SoftSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.cred.PrivateKey.Sign(rand, digest, opts)
}

func (s *SoftSigner) Certificate() *x509.Certificate { return s.cred.Certificate }

func (s *SoftSigner) Chain() []*x509.Certificate { return s.cred.Chain }

// SoftSessionOpener stands in for the card with credentials loaded from
// PKCS#12 or PEM files. Authentication is optional.
type SoftSessionOpener struct {
	Signature      *keys.Credential
	Authentication *keys.Credential
}

// Open implements SessionOpener.
func (o *SoftSessionOpener) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Signature == nil && o.Authentication == nil {
		return nil, fmt.Errorf("%w: no software credential loaded", ErrTokenUnavailable)
	}
	return &softSession{opener: o}, nil
}

type softSession struct {
	opener *SoftSessionOpener
	closed bool
}

func (s *softSession) Signer(role CertificateRole) (Signer, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrTokenOperationFailed)
	}
	cred := s.opener.Signature
	if role == RoleAuthentication {
		cred = s.opener.Authentication
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: no %s credential", ErrCertificateNotFound, role)
	}
	return NewSoftSigner(cred), nil
}

func (s *softSession) Close() error {
	s.closed = true
	return nil
}
