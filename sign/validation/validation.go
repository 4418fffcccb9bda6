// Package validation checks the signatures embedded in a PDF: that each
// container matches the bytes it claims to cover, and how much of the
// file that is. Certificate trust is not evaluated.
package validation

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/reader"
	"github.com/georgepadayatti/eidsign/sign/cms"
)

// Common validation errors
var (
	ErrNoSignatures     = errors.New("no signatures found")
	ErrBadByteRange     = errors.New("invalid /ByteRange")
	ErrMissingContents  = errors.New("signature dictionary has no /Contents")
	ErrContentsMismatch = errors.New("/Contents is not the excluded range")
)

// ValidationStatus represents the outcome of one check.
type ValidationStatus int

const (
	StatusUnknown ValidationStatus = iota
	StatusValid
	StatusInvalid
)

// String returns the string representation of the status.
func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// CoverageStatus indicates what the signature covers.
type CoverageStatus int

const (
	CoverageUnknown CoverageStatus = iota
	// The signed ranges end where the file ends.
	CoverageEntireFile
	// The signed ranges are a prefix of the file ending at a %%EOF marker;
	// later revisions follow.
	CoverageContiguous
	// The signed ranges stop inside a revision.
	CoveragePartial
)

func (c CoverageStatus) String() string {
	switch c {
	case CoverageEntireFile:
		return "entire file"
	case CoverageContiguous:
		return "earlier revision"
	case CoveragePartial:
		return "partial"
	default:
		return "unknown"
	}
}

// SignatureReport is the result of validating one signature field.
type SignatureReport struct {
	FieldName string
	// SignerName is the common name of the signing certificate.
	SignerName        string
	SignerCertificate *x509.Certificate
	CertificateChain  []*x509.Certificate
	// SigningTime is the CMS signing-time attribute, or /M when absent.
	SigningTime time.Time

	SubFilter string
	Reason    string
	Location  string
	ByteRange [4]int64
	Coverage  CoverageStatus

	// IntegrityStatus is the messageDigest check over the byte ranges.
	IntegrityStatus ValidationStatus
	// SignatureStatus is the signature over the signed attributes.
	SignatureStatus ValidationStatus

	Errors []error
}

// Valid reports whether both the digest and the signature check passed.
func (r *SignatureReport) Valid() bool {
	return r.IntegrityStatus == StatusValid && r.SignatureStatus == StatusValid
}

// CoversWholeFile reports whether no bytes were added after signing.
func (r *SignatureReport) CoversWholeFile() bool {
	return r.Coverage == CoverageEntireFile
}

// VerifyDocument parses data and validates every signed signature field.
func VerifyDocument(data []byte) ([]*SignatureReport, error) {
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		return nil, err
	}
	return ValidateSignatures(r)
}

// ValidateSignatures validates every signature field that has a value, in
// field order. Unsigned fields are skipped.
func ValidateSignatures(r *reader.PdfFileReader) ([]*SignatureReport, error) {
	fields, err := r.SignatureFields()
	if err != nil {
		return nil, err
	}
	var reports []*SignatureReport
	for _, f := range fields {
		if !f.Dict.Has("V") {
			continue
		}
		sig, err := r.ResolveDict(f.Dict.Get("V"))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		reports = append(reports, ValidateSignature(r.Data(), f.Name, sig))
	}
	if len(reports) == 0 {
		return nil, ErrNoSignatures
	}
	return reports, nil
}

// ValidateSignature checks a single signature dictionary against data.
func ValidateSignature(data []byte, fieldName string, sig *generic.DictionaryObject) *SignatureReport {
	report := &SignatureReport{FieldName: fieldName}
	report.SubFilter, _ = sig.GetName("SubFilter")
	report.Reason = textEntry(sig, "Reason")
	report.Location = textEntry(sig, "Location")
	if m, ok := sig.GetString("M"); ok {
		if t, err := generic.ParseDate(string(m.Value)); err == nil {
			report.SigningTime = t
		}
	}

	fail := func(err error) *SignatureReport {
		report.IntegrityStatus = StatusInvalid
		report.SignatureStatus = StatusInvalid
		report.Errors = append(report.Errors, err)
		return report
	}

	br, err := byteRange(sig, int64(len(data)))
	if err != nil {
		return fail(err)
	}
	report.ByteRange = br
	report.Coverage = coverage(br, data)

	contents, ok := sig.GetString("Contents")
	if !ok {
		return fail(ErrMissingContents)
	}
	if err := checkGap(data, br, contents.Value); err != nil {
		return fail(err)
	}

	sd, err := cms.Parse(contents.Value)
	if err != nil {
		return fail(err)
	}
	if sd.Signer != nil {
		report.SignerCertificate = sd.Signer
		report.SignerName = sd.Signer.Subject.CommonName
		for _, c := range sd.Certificates {
			if !c.Equal(sd.Signer) {
				report.CertificateChain = append(report.CertificateChain, c)
			}
		}
	}
	if !sd.SigningTime.IsZero() {
		report.SigningTime = sd.SigningTime
	}

	h := sd.Hash.New()
	h.Write(data[br[0] : br[0]+br[1]])
	h.Write(data[br[2] : br[2]+br[3]])
	switch err := sd.VerifyDigest(h.Sum(nil)); {
	case err == nil:
		report.IntegrityStatus = StatusValid
		report.SignatureStatus = StatusValid
	case errors.Is(err, cms.ErrDigestMismatch):
		report.IntegrityStatus = StatusInvalid
		report.Errors = append(report.Errors, err)
	default:
		report.IntegrityStatus = StatusValid
		report.SignatureStatus = StatusInvalid
		report.Errors = append(report.Errors, err)
	}
	return report
}

func textEntry(d *generic.DictionaryObject, key string) string {
	if s, ok := d.GetString(key); ok {
		return s.TextString()
	}
	return ""
}

func byteRange(sig *generic.DictionaryObject, size int64) ([4]int64, error) {
	var br [4]int64
	arr, ok := sig.GetArray("ByteRange")
	if !ok || len(arr) != 4 {
		return br, fmt.Errorf("%w: expected four integers", ErrBadByteRange)
	}
	for i, v := range arr {
		n, ok := v.(generic.IntegerObject)
		if !ok {
			return br, fmt.Errorf("%w: entry %d is %T", ErrBadByteRange, i, v)
		}
		br[i] = int64(n)
	}
	if br[0] != 0 || br[1] <= 0 || br[2] <= br[1] || br[3] < 0 || br[2]+br[3] > size {
		return br, fmt.Errorf("%w: %v for %d bytes", ErrBadByteRange, br, size)
	}
	return br, nil
}

// coverage assumes br passed byteRange, so the ranges start at 0 and end
// inside data.
func coverage(br [4]int64, data []byte) CoverageStatus {
	end := br[2] + br[3]
	switch {
	case end == int64(len(data)):
		return CoverageEntireFile
	case bytes.HasSuffix(bytes.TrimRight(data[:end], "\r\n"), []byte("%%EOF")):
		return CoverageContiguous
	default:
		return CoveragePartial
	}
}

// checkGap requires the bytes excluded from the digest to be exactly the
// hex string holding the container, so nothing else goes unsigned.
func checkGap(data []byte, br [4]int64, contents []byte) error {
	gap := data[br[1]:br[2]]
	if len(gap) < 2 || gap[0] != '<' || gap[len(gap)-1] != '>' {
		return fmt.Errorf("%w: gap is not a hex string", ErrContentsMismatch)
	}
	inner := bytes.TrimSpace(gap[1 : len(gap)-1])
	if len(inner) != 2*len(contents) {
		return fmt.Errorf("%w: %d hex digits for %d bytes", ErrContentsMismatch, len(inner), len(contents))
	}
	return nil
}
