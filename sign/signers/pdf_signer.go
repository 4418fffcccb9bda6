package signers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/georgepadayatti/eidsign/internal/logger"
	"github.com/georgepadayatti/eidsign/pdf/generic"
	"github.com/georgepadayatti/eidsign/pdf/writer"
	"github.com/georgepadayatti/eidsign/sign/cms"
	"github.com/jonboulle/clockwork"
)

// SignatureMetadata is written into the signature dictionary. Empty fields
// are left out.
type SignatureMetadata struct {
	Reason      string
	Location    string
	ContactInfo string
	// SigningTime defaults to the signer's clock.
	SigningTime time.Time
}

// PdfSigner produces the detached signature of an incremental update.
type PdfSigner struct {
	Signer Signer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// NewPdfSigner creates a PdfSigner on the real clock.
func NewPdfSigner(signer Signer) *PdfSigner {
	return &PdfSigner{Signer: signer, Clock: clockwork.NewRealClock(), Logger: logger.Get()}
}

// SignField attaches a signature dictionary to the field at fieldRef as
// /V, serializes the update, and fills in /ByteRange and /Contents. The
// returned bytes are the complete signed file.
//
// ctx is checked once, right before the digest goes to the signer. After
// that the operation runs to completion.
func (s *PdfSigner) SignField(ctx context.Context, w *writer.IncrementalWriter, fieldRef generic.Reference, meta SignatureMetadata) ([]byte, error) {
	log := s.Logger
	if log == nil {
		log = logger.Get()
	}
	signingTime := meta.SigningTime
	if signingTime.IsZero() {
		clock := s.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		signingTime = clock.Now()
	}

	cert := s.Signer.Certificate()
	byteRange := NewByteRangePlaceholder()
	contents := NewContentsPlaceholder(cms.EstimateSize(cert, s.Signer.Chain()))

	sig := generic.NewDictionary()
	sig.Set("Type", generic.NameObject("Sig"))
	sig.Set("Filter", generic.NameObject("Adobe.PPKLite"))
	sig.Set("SubFilter", generic.NameObject("adbe.pkcs7.detached"))
	sig.Set("ByteRange", byteRange)
	sig.Set("Contents", contents)
	sig.Set("M", generic.NewLiteralString(generic.FormatDate(signingTime)))
	if cn := cert.Subject.CommonName; cn != "" {
		sig.Set("Name", generic.NewTextString(cn))
	}
	if meta.Reason != "" {
		sig.Set("Reason", generic.NewTextString(meta.Reason))
	}
	if meta.Location != "" {
		sig.Set("Location", generic.NewTextString(meta.Location))
	}
	if meta.ContactInfo != "" {
		sig.Set("ContactInfo", generic.NewTextString(meta.ContactInfo))
	}
	sigRef := w.AddObject(sig)

	field, err := w.EditDictionary(fieldRef)
	if err != nil {
		return nil, fmt.Errorf("signature field %s: %w", fieldRef, err)
	}
	field.Set("V", sigRef)

	data, err := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("serializing update: %w", err)
	}
	if contents.Offset() < 0 || byteRange.Offset() < 0 {
		return nil, errPlaceholderNotWritten
	}

	ranges := contents.ByteRange(int64(len(data)))
	if err := PatchByteRange(data, byteRange, ranges); err != nil {
		return nil, err
	}
	digest, err := DigestByteRange(data, ranges)
	if err != nil {
		return nil, err
	}
	log.Debug("byte range digested", "byte_range", ranges, "reserved", contents.Size())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	container, err := SignDetached(s.Signer, digest, signingTime)
	if err != nil {
		return nil, err
	}
	if err := PatchContents(data, contents, container); err != nil {
		return nil, err
	}
	log.Debug("signature embedded", "container_size", len(container))
	return data, nil
}
