// Package cms builds and parses the detached CMS SignedData containers that
// are embedded in PDF signature dictionaries (RFC 5652, adbe.pkcs7.detached).
package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Object identifiers used in the container.
var (
	OIDData                 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDAttrContentType      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttrMessageDigest    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDAttrSigningTime      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDAttrSigningCertV2    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDSHA256               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	OIDRSAEncryption        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA256WithRSA        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECPublicKey          = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA256      = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384      = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512      = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

var (
	ErrMalformed            = errors.New("malformed CMS structure")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrDigestMismatch       = errors.New("message digest does not match signed content")
	ErrInvalidSignature     = errors.New("signature verification failed")
	ErrMissingCertificate   = errors.New("signer certificate not included")
)

// SignatureAlgorithm pairs the digest and signature identifiers that go
// into a SignerInfo.
type SignatureAlgorithm struct {
	Hash               crypto.Hash
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	// NullParams is set for RSA, whose AlgorithmIdentifier carries NULL.
	NullParams bool
}

// AlgorithmFor picks the signature algorithm matching a public key.
func AlgorithmFor(pub crypto.PublicKey, h crypto.Hash) (SignatureAlgorithm, error) {
	digestOID, err := digestOIDFor(h)
	if err != nil {
		return SignatureAlgorithm{}, err
	}
	alg := SignatureAlgorithm{Hash: h, DigestAlgorithm: digestOID}
	switch pub.(type) {
	case *rsa.PublicKey:
		alg.NullParams = true
		alg.SignatureAlgorithm = map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256: OIDSHA256WithRSA,
			crypto.SHA384: OIDSHA384WithRSA,
			crypto.SHA512: OIDSHA512WithRSA,
		}[h]
	case *ecdsa.PublicKey:
		alg.SignatureAlgorithm = map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256: OIDECDSAWithSHA256,
			crypto.SHA384: OIDECDSAWithSHA384,
			crypto.SHA512: OIDECDSAWithSHA512,
		}[h]
	default:
		return SignatureAlgorithm{}, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
	return alg, nil
}

func digestOIDFor(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	}
	return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, h)
}

func hashForDigestOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, oid)
}

// CMSBuilder assembles a detached SignedData with one signer.
type CMSBuilder struct {
	Certificate *x509.Certificate
	CertChain   []*x509.Certificate
	Signer      crypto.Signer
	Algorithm   SignatureAlgorithm
	SigningTime time.Time
	Rand        io.Reader
}

// NewCMSBuilder creates a builder for the given signer. The signing time
// defaults to now and is normally overridden with SetSigningTime.
func NewCMSBuilder(cert *x509.Certificate, signer crypto.Signer, alg SignatureAlgorithm) *CMSBuilder {
	return &CMSBuilder{
		Certificate: cert,
		Signer:      signer,
		Algorithm:   alg,
		SigningTime: time.Now(),
		Rand:        rand.Reader,
	}
}

// SetCertificateChain sets the intermediate and root certificates embedded
// after the signer certificate.
func (b *CMSBuilder) SetCertificateChain(chain []*x509.Certificate) *CMSBuilder {
	b.CertChain = chain
	return b
}

// SetSigningTime sets the signingTime attribute.
func (b *CMSBuilder) SetSigningTime(t time.Time) *CMSBuilder {
	b.SigningTime = t
	return b
}

// Sign hashes content and returns the DER container.
func (b *CMSBuilder) Sign(content []byte) ([]byte, error) {
	h := b.Algorithm.Hash.New()
	h.Write(content)
	return b.SignDigest(h.Sum(nil))
}

// SignDigest builds the container for content whose digest was computed by
// the caller. The private key only ever sees the digest of the DER-encoded
// signed attributes.
func (b *CMSBuilder) SignDigest(contentDigest []byte) ([]byte, error) {
	if b.Certificate == nil || b.Signer == nil {
		return nil, fmt.Errorf("%w: builder needs a certificate and a signer", ErrMissingCertificate)
	}
	if len(contentDigest) != b.Algorithm.Hash.Size() {
		return nil, fmt.Errorf("%w: digest is %d bytes, expected %d", ErrMalformed, len(contentDigest), b.Algorithm.Hash.Size())
	}

	attrs, err := b.signedAttributes(contentDigest)
	if err != nil {
		return nil, err
	}
	attrSet := setOf(attrs)

	h := b.Algorithm.Hash.New()
	h.Write(attrSet)
	signature, err := b.Signer.Sign(b.Rand, h.Sum(nil), b.Algorithm.Hash)
	if err != nil {
		return nil, fmt.Errorf("signing attributes: %w", err)
	}

	var out cryptobyte.Builder
	out.AddASN1(casn1.SEQUENCE, func(ci *cryptobyte.Builder) {
		ci.AddASN1ObjectIdentifier(OIDSignedData)
		ci.AddASN1(casn1.Tag(0).Constructed().ContextSpecific(), func(explicit *cryptobyte.Builder) {
			explicit.AddASN1(casn1.SEQUENCE, func(sd *cryptobyte.Builder) {
				sd.AddASN1Int64(1)
				sd.AddASN1(casn1.SET, func(algs *cryptobyte.Builder) {
					addAlgorithm(algs, b.Algorithm.DigestAlgorithm, false)
				})
				sd.AddASN1(casn1.SEQUENCE, func(eci *cryptobyte.Builder) {
					eci.AddASN1ObjectIdentifier(OIDData)
				})
				sd.AddASN1(casn1.Tag(0).Constructed().ContextSpecific(), func(certs *cryptobyte.Builder) {
					certs.AddBytes(b.Certificate.Raw)
					for _, c := range b.CertChain {
						if c.Equal(b.Certificate) {
							continue
						}
						certs.AddBytes(c.Raw)
					}
				})
				sd.AddASN1(casn1.SET, func(infos *cryptobyte.Builder) {
					infos.AddASN1(casn1.SEQUENCE, func(si *cryptobyte.Builder) {
						si.AddASN1Int64(1)
						si.AddASN1(casn1.SEQUENCE, func(sid *cryptobyte.Builder) {
							sid.AddBytes(b.Certificate.RawIssuer)
							sid.AddASN1BigInt(b.Certificate.SerialNumber)
						})
						addAlgorithm(si, b.Algorithm.DigestAlgorithm, false)
						si.AddASN1(casn1.Tag(0).Constructed().ContextSpecific(), func(sa *cryptobyte.Builder) {
							for _, a := range attrs {
								sa.AddBytes(a)
							}
						})
						addAlgorithm(si, b.Algorithm.SignatureAlgorithm, b.Algorithm.NullParams)
						si.AddASN1OctetString(signature)
					})
				})
			})
		})
	})
	return out.Bytes()
}

// signedAttributes returns the encoded attributes in DER SET OF order.
func (b *CMSBuilder) signedAttributes(contentDigest []byte) ([][]byte, error) {
	var attrs [][]byte
	add := func(oid asn1.ObjectIdentifier, value func(*cryptobyte.Builder)) error {
		var a cryptobyte.Builder
		a.AddASN1(casn1.SEQUENCE, func(seq *cryptobyte.Builder) {
			seq.AddASN1ObjectIdentifier(oid)
			seq.AddASN1(casn1.SET, value)
		})
		der, err := a.Bytes()
		if err != nil {
			return fmt.Errorf("encoding attribute %v: %w", oid, err)
		}
		attrs = append(attrs, der)
		return nil
	}

	if err := add(OIDAttrContentType, func(v *cryptobyte.Builder) {
		v.AddASN1ObjectIdentifier(OIDData)
	}); err != nil {
		return nil, err
	}
	if err := add(OIDAttrSigningTime, func(v *cryptobyte.Builder) {
		t := b.SigningTime.UTC()
		if t.Year() >= 1950 && t.Year() < 2050 {
			v.AddASN1UTCTime(t)
		} else {
			v.AddASN1GeneralizedTime(t)
		}
	}); err != nil {
		return nil, err
	}
	if err := add(OIDAttrMessageDigest, func(v *cryptobyte.Builder) {
		v.AddASN1OctetString(contentDigest)
	}); err != nil {
		return nil, err
	}
	if err := add(OIDAttrSigningCertV2, func(v *cryptobyte.Builder) {
		b.addSigningCertificateV2(v)
	}); err != nil {
		return nil, err
	}

	sort.Slice(attrs, func(i, j int) bool { return lessDER(attrs[i], attrs[j]) })
	return attrs, nil
}

// addSigningCertificateV2 binds the signer certificate (RFC 5035). SHA-256
// is the default hash algorithm and is therefore omitted.
func (b *CMSBuilder) addSigningCertificateV2(v *cryptobyte.Builder) {
	certHash := sha256.Sum256(b.Certificate.Raw)
	v.AddASN1(casn1.SEQUENCE, func(scv2 *cryptobyte.Builder) {
		scv2.AddASN1(casn1.SEQUENCE, func(certs *cryptobyte.Builder) {
			certs.AddASN1(casn1.SEQUENCE, func(id *cryptobyte.Builder) {
				id.AddASN1OctetString(certHash[:])
				id.AddASN1(casn1.SEQUENCE, func(is *cryptobyte.Builder) {
					is.AddASN1(casn1.SEQUENCE, func(names *cryptobyte.Builder) {
						names.AddASN1(casn1.Tag(4).Constructed().ContextSpecific(), func(dn *cryptobyte.Builder) {
							dn.AddBytes(b.Certificate.RawIssuer)
						})
					})
					is.AddASN1BigInt(b.Certificate.SerialNumber)
				})
			})
		})
	})
}

func addAlgorithm(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, nullParams bool) {
	b.AddASN1(casn1.SEQUENCE, func(alg *cryptobyte.Builder) {
		alg.AddASN1ObjectIdentifier(oid)
		if nullParams {
			alg.AddASN1NULL()
		}
	})
}

// setOf encodes already sorted elements as a DER SET.
func setOf(elems [][]byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1(casn1.SET, func(set *cryptobyte.Builder) {
		for _, e := range elems {
			set.AddBytes(e)
		}
	})
	return b.BytesOrPanic()
}

// lessDER orders encodings as X.690 requires for SET OF: shorter encodings
// are padded with zero octets for the comparison.
func lessDER(a, b []byte) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			return x < y
		}
	}
	return len(a) < len(b)
}

// EstimateSize returns a safe upper bound for the container size, used to
// reserve the /Contents placeholder.
func EstimateSize(cert *x509.Certificate, chain []*x509.Certificate) int {
	size := 2048 + len(cert.Raw)
	for _, c := range chain {
		size += len(c.Raw)
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		size += pub.Size()
	case *ecdsa.PublicKey:
		size += 2*((pub.Curve.Params().BitSize+7)/8) + 16
	default:
		size += 1024
	}
	return size
}
