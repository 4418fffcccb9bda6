package signers

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/georgepadayatti/eidsign/config"
	"github.com/georgepadayatti/eidsign/internal/logger"
	"github.com/georgepadayatti/eidsign/keys"
	"github.com/miekg/pkcs11"
)

// Module is the part of *pkcs11.Ctx the session uses. Tests substitute a
// fake token.
type Module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// ModuleLoader loads the PKCS#11 library at path.
type ModuleLoader func(path string) (Module, error)

// LoadModule loads a native PKCS#11 library.
func LoadModule(path string) (Module, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, fmt.Errorf("%w: cannot load PKCS#11 module %s", ErrTokenUnavailable, path)
	}
	return ctx, nil
}

// PKCS11Opener opens sessions on the configured token.
type PKCS11Opener struct {
	Config config.PKCS11Config
	// Loader defaults to LoadModule.
	Loader ModuleLoader
	Logger *slog.Logger
}

// Open implements SessionOpener.
func (o *PKCS11Opener) Open(ctx context.Context) (Session, error) {
	return OpenPKCS11Session(ctx, o.Config, o.Loader, o.Logger)
}

// PKCS11Session is an open, possibly logged-in session on one token.
type PKCS11Session struct {
	module   Module
	session  pkcs11.SessionHandle
	slotID   uint
	cfg      config.PKCS11Config
	loggedIn bool
	closed   bool
	log      *slog.Logger
	mu       sync.Mutex

	// allCerts caches the bulk enumeration, keyed by label.
	allCerts map[string]*x509.Certificate
}

// OpenPKCS11Session loads the module, finds the token and opens a session.
// A nil loader selects LoadModule, a nil logger the shared one.
func OpenPKCS11Session(ctx context.Context, cfg config.PKCS11Config, loader ModuleLoader, log *slog.Logger) (*PKCS11Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loader == nil {
		loader = LoadModule
	}
	if log == nil {
		log = logger.Get()
	}

	module, err := loader(cfg.ModulePath)
	if err != nil {
		if !errors.Is(err, ErrTokenUnavailable) {
			err = fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
		}
		return nil, err
	}
	if err := module.Initialize(); err != nil && !isCKR(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		module.Destroy()
		return nil, fmt.Errorf("%w: initialize failed: %v", ErrTokenUnavailable, err)
	}
	release := func() {
		module.Finalize()
		module.Destroy()
	}

	slot, err := selectSlot(module, cfg, log)
	if err != nil {
		release()
		return nil, err
	}

	sh, err := module.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: open session: %v", ErrTokenUnavailable, err)
	}
	s := &PKCS11Session{module: module, session: sh, slotID: slot, cfg: cfg, log: log}

	if err := s.login(); err != nil {
		module.CloseSession(sh)
		release()
		return nil, err
	}
	log.Debug("token session opened", "slot", slot, "pin_mode", cfg.PinMode.String())
	return s, nil
}

// selectSlot picks the slot per configuration: explicit slot ID or index,
// then label and serial match.
func selectSlot(module Module, cfg config.PKCS11Config, log *slog.Logger) (uint, error) {
	slots, err := module.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("%w: listing slots: %v", ErrTokenUnavailable, err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no card reader holds a token", ErrTokenUnavailable)
	}

	candidates := slots
	if cfg.SlotNo != nil {
		if *cfg.SlotNo >= len(slots) {
			return 0, fmt.Errorf("%w: slot %d not found (only %d slots with a token)", ErrTokenUnavailable, *cfg.SlotNo, len(slots))
		}
		candidates = []uint{slots[*cfg.SlotNo]}
	}
	if cfg.SlotID != nil {
		if !slices.Contains(candidates, *cfg.SlotID) {
			return 0, fmt.Errorf("%w: no token in slot ID %d", ErrTokenUnavailable, *cfg.SlotID)
		}
		candidates = []uint{*cfg.SlotID}
	}

	var seen []string
	for _, slot := range candidates {
		info, err := module.GetTokenInfo(slot)
		if err != nil {
			log.Warn("cannot read token info", "slot", slot, "error", err)
			continue
		}
		label := trimPKCS11String(info.Label)
		serial := trimPKCS11String(info.SerialNumber)
		if (cfg.TokenLabel == "" || label == cfg.TokenLabel) &&
			(cfg.TokenSerial == "" || serial == cfg.TokenSerial) {
			return slot, nil
		}
		seen = append(seen, label)
	}
	if len(seen) == 0 {
		return 0, fmt.Errorf("%w: no readable token", ErrTokenUnavailable)
	}
	return 0, fmt.Errorf("%w: want %q, found %s", ErrTokenLabelMismatch, cfg.TokenLabel, strings.Join(quoteAll(seen), ", "))
}

func (s *PKCS11Session) login() error {
	var pin string
	switch s.cfg.PinMode {
	case config.PinSkip:
		return nil
	case config.PinDefer:
		// Empty PIN: the reader's protected authentication path collects it.
	case config.PinPrompt:
		pin = s.cfg.UserPIN
	}
	err := s.module.Login(s.session, pkcs11.CKU_USER, pin)
	if err != nil && !isCKR(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		return fmt.Errorf("%w: login: %v", ErrTokenOperationFailed, err)
	}
	s.loggedIn = true
	return nil
}

// Close logs out, closes the session and unloads the module. It is safe to
// call more than once.
func (s *PKCS11Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.loggedIn {
		if err := s.module.Logout(s.session); err != nil && !isCKR(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
			errs = append(errs, err)
		}
	}
	if err := s.module.CloseSession(s.session); err != nil {
		errs = append(errs, err)
	}
	if err := s.module.Finalize(); err != nil {
		errs = append(errs, err)
	}
	s.module.Destroy()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: closing session: %v", ErrTokenOperationFailed, err)
	}
	return nil
}

// Signer resolves the key and certificates of a role.
func (s *PKCS11Session) Signer(role CertificateRole) (Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrTokenOperationFailed)
	}

	cert, err := s.certificateByLabel(role.Label())
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: no %q certificate", ErrCertificateNotFound, role.Label())
	}
	key, err := s.findOne(pkcs11.CKO_PRIVATE_KEY, role.Label())
	if err != nil {
		return nil, err
	}

	chain := []*x509.Certificate{}
	for _, label := range s.cfg.OtherCerts {
		c, err := s.certificateByLabel(label)
		if err != nil {
			return nil, err
		}
		if c == nil {
			s.log.Warn("chain certificate not on token", "label", label)
			continue
		}
		if !s.cfg.EmbedRoots && keys.IsSelfSigned(c) {
			s.log.Debug("leaving root out of the chain", "label", label)
			continue
		}
		chain = append(chain, c)
	}

	return &PKCS11Signer{session: s, key: key, cert: cert, chain: chain, role: role}, nil
}

// certificateByLabel returns nil without error when no certificate carries
// the label.
func (s *PKCS11Session) certificateByLabel(label string) (*x509.Certificate, error) {
	if s.cfg.BulkFetch {
		if s.allCerts == nil {
			all, err := s.enumerate()
			if err != nil {
				return nil, err
			}
			s.allCerts = make(map[string]*x509.Certificate, len(all))
			for _, lc := range all {
				if _, dup := s.allCerts[lc.Label]; !dup {
					s.allCerts[lc.Label] = lc.Certificate
				}
			}
		}
		return s.allCerts[label], nil
	}

	handles, err := s.find([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}, 2)
	if err != nil || len(handles) == 0 {
		return nil, err
	}
	lc, err := s.readCertificate(handles[0])
	if err != nil {
		return nil, err
	}
	return lc.Certificate, nil
}

func (s *PKCS11Session) findOne(class uint, label string) (pkcs11.ObjectHandle, error) {
	handles, err := s.find([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}, 2)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("%w: no private key labelled %q", ErrCertificateNotFound, label)
	}
	return handles[0], nil
}

func (s *PKCS11Session) find(template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := s.module.FindObjectsInit(s.session, template); err != nil {
		return nil, fmt.Errorf("%w: FindObjectsInit: %v", ErrTokenOperationFailed, err)
	}
	defer s.module.FindObjectsFinal(s.session)

	var out []pkcs11.ObjectHandle
	for max <= 0 || len(out) < max {
		objs, _, err := s.module.FindObjects(s.session, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: FindObjects: %v", ErrTokenOperationFailed, err)
		}
		if len(objs) == 0 {
			break
		}
		out = append(out, objs...)
	}
	return out, nil
}

// LabeledCertificate is a certificate object found on the token.
type LabeledCertificate struct {
	Label       string
	Certificate *x509.Certificate
}

func (s *PKCS11Session) readCertificate(h pkcs11.ObjectHandle) (LabeledCertificate, error) {
	attrs, err := s.module.GetAttributeValue(s.session, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return LabeledCertificate{}, fmt.Errorf("%w: GetAttributeValue: %v", ErrTokenOperationFailed, err)
	}
	var lc LabeledCertificate
	var der []byte
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_LABEL:
			lc.Label = string(a.Value)
		case pkcs11.CKA_VALUE:
			der = a.Value
		}
	}
	if len(der) == 0 {
		return lc, fmt.Errorf("%w: certificate %q has no value", ErrCertificateNotFound, lc.Label)
	}
	if lc.Certificate, err = x509.ParseCertificate(der); err != nil {
		return lc, fmt.Errorf("%w: certificate %q: %v", ErrCertificateNotFound, lc.Label, err)
	}
	return lc, nil
}

// enumerate reads every certificate on the token in one pass. Unreadable
// objects are logged and skipped.
func (s *PKCS11Session) enumerate() ([]LabeledCertificate, error) {
	handles, err := s.find([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}, 0)
	if err != nil {
		return nil, err
	}
	var out []LabeledCertificate
	for _, h := range handles {
		lc, err := s.readCertificate(h)
		if err != nil {
			s.log.Warn("skipping certificate object", "handle", h, "error", err)
			continue
		}
		out = append(out, lc)
	}
	return out, nil
}

// Certificates lists the certificates on the token.
func (s *PKCS11Session) Certificates() ([]LabeledCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrTokenOperationFailed)
	}
	return s.enumerate()
}

// PKCS11Signer is a crypto.Signer backed by a private key on the token.
type PKCS11Signer struct {
	session *PKCS11Session
	key     pkcs11.ObjectHandle
	cert    *x509.Certificate
	chain   []*x509.Certificate
	role    CertificateRole
}

func (s *PKCS11Signer) Public() crypto.PublicKey { return s.cert.PublicKey }

func (s *PKCS11Signer) Certificate() *x509.Certificate { return s.cert }

func (s *PKCS11Signer) Chain() []*x509.Certificate { return s.chain }

// Sign signs a digest on the card. RSA keys use CKM_RSA_PKCS over a
// DigestInfo, EC keys CKM_ECDSA with the raw signature converted to DER.
// Failures are not retried: a second attempt could prompt for the PIN again.
func (s *PKCS11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var mech *pkcs11.Mechanism
	input := digest
	switch s.cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return nil, fmt.Errorf("%w: RSA-PSS is not supported", ErrTokenOperationFailed)
		}
		wrapped, err := wrapDigestInfo(opts.HashFunc(), digest)
		if err != nil {
			return nil, err
		}
		mech, input = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), wrapped
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrTokenOperationFailed, s.cert.PublicKey)
	}

	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if s.session.closed {
		return nil, fmt.Errorf("%w: session closed", ErrTokenOperationFailed)
	}
	m := s.session.module
	if err := m.SignInit(s.session.session, []*pkcs11.Mechanism{mech}, s.key); err != nil {
		return nil, fmt.Errorf("%w: SignInit: %v", ErrTokenOperationFailed, err)
	}
	sig, err := m.Sign(s.session.session, input)
	if err != nil {
		return nil, fmt.Errorf("%w: Sign: %v", ErrTokenOperationFailed, err)
	}
	if mech.Mechanism == pkcs11.CKM_ECDSA {
		return encodeECDSASignature(sig)
	}
	return sig, nil
}

var digestInfoOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// wrapDigestInfo builds the PKCS#1 DigestInfo that CKM_RSA_PKCS pads and
// signs.
func wrapDigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := digestInfoOIDs[h]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported digest %v", ErrTokenOperationFailed, h)
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("%w: digest length %d for %v", ErrTokenOperationFailed, len(digest), h)
	}
	type algorithmIdentifier struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue
	}
	type digestInfo struct {
		DigestAlgorithm algorithmIdentifier
		Digest          []byte
	}
	return asn1.Marshal(digestInfo{
		DigestAlgorithm: algorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		Digest:          digest,
	})
}

// encodeECDSASignature converts the r||s form returned by tokens to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: invalid ECDSA signature length %d", ErrTokenOperationFailed, len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}

// trimPKCS11String trims the space padding of fixed-size token fields.
func trimPKCS11String(s string) string {
	return strings.TrimRight(s, " \x00")
}

func isCKR(err error, code uint) bool {
	var e pkcs11.Error
	return errors.As(err, &e) && uint(e) == code
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
