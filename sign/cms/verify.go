package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// SignedData is the parsed view of a detached container with one signer.
type SignedData struct {
	Certificates []*x509.Certificate
	Signer       *x509.Certificate
	Hash         crypto.Hash
	// SignatureAlgorithm is the OID from the SignerInfo.
	SignatureAlgorithm asn1.ObjectIdentifier
	MessageDigest      []byte
	SigningTime        time.Time
	// SignedAttributes is the [0] IMPLICIT encoding as found in the file.
	SignedAttributes []byte
	Signature        []byte
	// HasSigningCertificateV2 reports whether the ESS attribute is present.
	HasSigningCertificateV2 bool
}

func malformed(what string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, what)
}

// Parse decodes a ContentInfo holding SignedData. Trailing bytes after the
// outer SEQUENCE, such as the zero padding of a PDF /Contents string, are
// ignored.
func Parse(der []byte) (*SignedData, error) {
	input := cryptobyte.String(der)
	var contentInfo, explicit, sd cryptobyte.String
	var contentType asn1.ObjectIdentifier
	if !input.ReadASN1(&contentInfo, casn1.SEQUENCE) ||
		!contentInfo.ReadASN1ObjectIdentifier(&contentType) {
		return nil, malformed("ContentInfo")
	}
	if !contentType.Equal(OIDSignedData) {
		return nil, malformed("content type is not signedData")
	}
	if !contentInfo.ReadASN1(&explicit, casn1.Tag(0).Constructed().ContextSpecific()) ||
		!explicit.ReadASN1(&sd, casn1.SEQUENCE) {
		return nil, malformed("SignedData")
	}

	var version int64
	var digestAlgs, encap cryptobyte.String
	if !sd.ReadASN1Integer(&version) ||
		!sd.ReadASN1(&digestAlgs, casn1.SET) ||
		!sd.ReadASN1(&encap, casn1.SEQUENCE) {
		return nil, malformed("SignedData header")
	}
	var eContentType asn1.ObjectIdentifier
	if !encap.ReadASN1ObjectIdentifier(&eContentType) {
		return nil, malformed("EncapsulatedContentInfo")
	}
	if !encap.Empty() {
		return nil, malformed("container is not detached")
	}

	out := &SignedData{}
	var certs cryptobyte.String
	var hasCerts bool
	if !sd.ReadOptionalASN1(&certs, &hasCerts, casn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, malformed("certificates")
	}
	for !certs.Empty() {
		var certDER cryptobyte.String
		if !certs.ReadASN1Element(&certDER, casn1.SEQUENCE) {
			// Attribute certificates and other choices are skipped.
			var tag casn1.Tag
			if !certs.ReadAnyASN1Element(&certDER, &tag) {
				return nil, malformed("certificate set")
			}
			continue
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate: %v", ErrMalformed, err)
		}
		out.Certificates = append(out.Certificates, cert)
	}
	if !sd.SkipOptionalASN1(casn1.Tag(1).Constructed().ContextSpecific()) {
		return nil, malformed("crls")
	}

	var infos, si cryptobyte.String
	if !sd.ReadASN1(&infos, casn1.SET) || !infos.ReadASN1(&si, casn1.SEQUENCE) {
		return nil, malformed("SignerInfos")
	}
	if !infos.Empty() {
		return nil, malformed("more than one SignerInfo")
	}
	if err := out.parseSignerInfo(si); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SignedData) parseSignerInfo(si cryptobyte.String) error {
	var version int64
	if !si.ReadASN1Integer(&version) {
		return malformed("SignerInfo version")
	}

	switch {
	case si.PeekASN1Tag(casn1.SEQUENCE):
		var sid, issuer cryptobyte.String
		serial := new(big.Int)
		if !si.ReadASN1(&sid, casn1.SEQUENCE) ||
			!sid.ReadASN1Element(&issuer, casn1.SEQUENCE) ||
			!sid.ReadASN1Integer(serial) {
			return malformed("IssuerAndSerialNumber")
		}
		for _, c := range s.Certificates {
			if c.SerialNumber.Cmp(serial) == 0 && bytes.Equal(c.RawIssuer, issuer) {
				s.Signer = c
				break
			}
		}
	case si.PeekASN1Tag(casn1.Tag(0).ContextSpecific()):
		var ski cryptobyte.String
		if !si.ReadASN1(&ski, casn1.Tag(0).ContextSpecific()) {
			return malformed("SubjectKeyIdentifier")
		}
		for _, c := range s.Certificates {
			if bytes.Equal(c.SubjectKeyId, ski) {
				s.Signer = c
				break
			}
		}
	default:
		return malformed("SignerIdentifier")
	}

	digestOID, err := readAlgorithm(&si)
	if err != nil {
		return err
	}
	if s.Hash, err = hashForDigestOID(digestOID); err != nil {
		return err
	}

	var attrs cryptobyte.String
	if !si.PeekASN1Tag(casn1.Tag(0).Constructed().ContextSpecific()) ||
		!si.ReadASN1Element(&attrs, casn1.Tag(0).Constructed().ContextSpecific()) {
		return malformed("signed attributes are required")
	}
	s.SignedAttributes = attrs
	if err := s.parseAttributes(attrs); err != nil {
		return err
	}

	if s.SignatureAlgorithm, err = readAlgorithm(&si); err != nil {
		return err
	}
	var sig cryptobyte.String
	if !si.ReadASN1(&sig, casn1.OCTET_STRING) {
		return malformed("signature value")
	}
	s.Signature = sig
	return nil
}

func readAlgorithm(s *cryptobyte.String) (asn1.ObjectIdentifier, error) {
	var alg cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !s.ReadASN1(&alg, casn1.SEQUENCE) || !alg.ReadASN1ObjectIdentifier(&oid) {
		return nil, malformed("AlgorithmIdentifier")
	}
	return oid, nil
}

func (s *SignedData) parseAttributes(element cryptobyte.String) error {
	var attrs cryptobyte.String
	if !element.ReadASN1(&attrs, casn1.Tag(0).Constructed().ContextSpecific()) {
		return malformed("signed attributes")
	}
	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, casn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&oid) ||
			!attr.ReadASN1(&values, casn1.SET) {
			return malformed("attribute")
		}
		switch {
		case oid.Equal(OIDAttrMessageDigest):
			var digest cryptobyte.String
			if !values.ReadASN1(&digest, casn1.OCTET_STRING) {
				return malformed("messageDigest")
			}
			s.MessageDigest = digest
		case oid.Equal(OIDAttrSigningTime):
			var t time.Time
			switch {
			case values.PeekASN1Tag(casn1.UTCTime):
				if !values.ReadASN1UTCTime(&t) {
					return malformed("signingTime")
				}
			case !values.ReadASN1GeneralizedTime(&t):
				return malformed("signingTime")
			}
			s.SigningTime = t
		case oid.Equal(OIDAttrSigningCertV2):
			s.HasSigningCertificateV2 = true
		}
	}
	if s.MessageDigest == nil {
		return malformed("messageDigest attribute missing")
	}
	return nil
}

// signedAttributesSet returns the signed attributes re-tagged as the
// universal SET the signature was computed over.
func (s *SignedData) signedAttributesSet() []byte {
	set := append([]byte(nil), s.SignedAttributes...)
	set[0] = 0x31
	return set
}

// VerifyDigest checks the container against the digest of the signed
// content: first the messageDigest attribute, then the signature over the
// signed attributes with the signer's public key.
func (s *SignedData) VerifyDigest(contentDigest []byte) error {
	if subtle.ConstantTimeCompare(contentDigest, s.MessageDigest) != 1 {
		return ErrDigestMismatch
	}
	if s.Signer == nil {
		return ErrMissingCertificate
	}
	h := s.Hash.New()
	h.Write(s.signedAttributesSet())
	attrDigest := h.Sum(nil)

	switch pub := s.Signer.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, s.Hash, attrDigest, s.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, attrDigest, s.Signature) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
	return nil
}

// Verify hashes content with the container's digest algorithm and checks
// it.
func (s *SignedData) Verify(content []byte) error {
	h := s.Hash.New()
	h.Write(content)
	return s.VerifyDigest(h.Sum(nil))
}
