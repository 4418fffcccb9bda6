package orchestrator

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/georgepadayatti/eidsign/pdf/reader"
	"github.com/georgepadayatti/eidsign/sign/fields"
	"github.com/georgepadayatti/eidsign/sign/integrity"
	"github.com/georgepadayatti/eidsign/sign/signers"
)

// ErrorKind classifies a failed request for machine consumption.
type ErrorKind string

const (
	KindIntegrityMismatch      ErrorKind = "IntegrityMismatch"
	KindInvalidPageReference   ErrorKind = "InvalidPageReference"
	KindInvalidGeometry        ErrorKind = "InvalidGeometry"
	KindTokenUnavailable       ErrorKind = "TokenUnavailable"
	KindTokenLabelMismatch     ErrorKind = "TokenLabelMismatch"
	KindCertificateNotFound    ErrorKind = "CertificateNotFound"
	KindTokenOperationFailed   ErrorKind = "TokenOperationFailed"
	KindOutputWriteFailed      ErrorKind = "OutputWriteFailed"
	KindMalformedInputDocument ErrorKind = "MalformedInputDocument"
	KindInvalidRequest         ErrorKind = "InvalidRequest"
)

var (
	// ErrInvalidRequest is returned for requests that cannot be attempted,
	// such as a missing input or output path.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOutputWrite wraps failures writing the signed file.
	ErrOutputWrite = errors.New("failed to write output")
)

// kinds is checked in order; the first sentinel found in the chain wins.
var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{integrity.ErrIntegrityMismatch, KindIntegrityMismatch},
	{fields.ErrInvalidPageReference, KindInvalidPageReference},
	{fields.ErrInvalidGeometry, KindInvalidGeometry},
	{fields.ErrFieldNameTaken, KindInvalidRequest},
	{fields.ErrInvalidFieldSpec, KindInvalidRequest},
	{signers.ErrTokenLabelMismatch, KindTokenLabelMismatch},
	{signers.ErrTokenUnavailable, KindTokenUnavailable},
	{signers.ErrCertificateNotFound, KindCertificateNotFound},
	{signers.ErrTokenOperationFailed, KindTokenOperationFailed},
	{ErrOutputWrite, KindOutputWriteFailed},
	{reader.ErrMalformedDocument, KindMalformedInputDocument},
	{ErrInvalidRequest, KindInvalidRequest},
	{context.Canceled, KindTokenOperationFailed},
	{context.DeadlineExceeded, KindTokenOperationFailed},
	{fs.ErrNotExist, KindInvalidRequest},
	{fs.ErrPermission, KindInvalidRequest},
}

// Classify maps an error to its kind. ok is false when no known sentinel
// is in the chain.
func Classify(err error) (kind ErrorKind, ok bool) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind, true
		}
	}
	return "", false
}

// stageKinds is the fallback classification for errors carrying no
// sentinel, by the state the request had reached.
var stageKinds = map[State]ErrorKind{
	StateIdle:              KindInvalidRequest,
	StateIntegrityVerified: KindMalformedInputDocument,
	StateFieldInjected:     KindTokenUnavailable,
	StateSessionOpen:       KindTokenOperationFailed,
	StateSigned:            KindOutputWriteFailed,
}

func classifyAt(state State, err error) ErrorKind {
	if kind, ok := Classify(err); ok {
		return kind
	}
	if kind, ok := stageKinds[state]; ok {
		return kind
	}
	return KindTokenOperationFailed
}

// errorTrace renders the error chain one cause per line, outermost first.
func errorTrace(state State, err error) string {
	var b strings.Builder
	b.WriteString("state: ")
	b.WriteString(state.String())
	for e := err; e != nil; e = errors.Unwrap(e) {
		b.WriteString("\n  ")
		b.WriteString(e.Error())
	}
	return b.String()
}
