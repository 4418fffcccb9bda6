// Package orchestrator runs one signing request end to end: integrity
// check, field injection, token session, signature and output. Every
// failure is reported as a Result with an ErrorKind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/georgepadayatti/eidsign/internal/logger"
	"github.com/georgepadayatti/eidsign/pdf/reader"
	"github.com/georgepadayatti/eidsign/pdf/writer"
	"github.com/georgepadayatti/eidsign/sign/fields"
	"github.com/georgepadayatti/eidsign/sign/integrity"
	"github.com/georgepadayatti/eidsign/sign/signers"
	"github.com/georgepadayatti/eidsign/stamp"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/georgepadayatti/eidsign/sign/orchestrator"

// SuccessMessage is the Result message of a signed document.
const SuccessMessage = "PDF signed successfully"

// State is the position of a request in the signing sequence.
type State int

const (
	StateIdle State = iota
	StateIntegrityVerified
	StateFieldInjected
	StateSessionOpen
	StateSigned
	StateWritten
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateIntegrityVerified:
		return "IntegrityVerified"
	case StateFieldInjected:
		return "FieldInjected"
	case StateSessionOpen:
		return "SessionOpen"
	case StateSigned:
		return "Signed"
	case StateWritten:
		return "Written"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Box is the visible field rectangle, in points from the lower left corner
// of the page.
type Box struct {
	X, Y, Width, Height float64
}

// Request describes one signing operation.
type Request struct {
	// Source is read once. SourceBytes, when non-nil, is used instead.
	Source      string
	SourceBytes []byte
	// ExpectedDigest is the hex SHA-256 of the input. Empty skips the check.
	ExpectedDigest string
	Output         string

	// Page is zero-based.
	Page    int
	Box     Box
	Visible bool

	Reason      string
	Location    string
	ContactInfo string
	Role        signers.CertificateRole
	// FieldName is generated when empty.
	FieldName string
}

// DefaultRequest returns a request with the stock placement and metadata.
func DefaultRequest() Request {
	return Request{
		Box:      Box{X: 200, Y: 600, Width: 200, Height: 60},
		Visible:  true,
		Reason:   "Document approval",
		Location: "Belgium",
		Role:     signers.RoleSignature,
	}
}

func (r *Request) validate() error {
	if r.Source == "" && r.SourceBytes == nil {
		return fmt.Errorf("%w: no input document", ErrInvalidRequest)
	}
	if r.Output == "" {
		return fmt.Errorf("%w: no output path", ErrInvalidRequest)
	}
	return nil
}

// Result is the outcome of a request. Kind, Message and Trace describe a
// failure; Trace is diagnostic and may contain local paths.
type Result struct {
	Success    bool
	OutputPath string
	Message    string
	Kind       ErrorKind
	Trace      string
	FieldName  string
	// Digest is the SHA-256 of the input, once it has been read.
	Digest string
	// State is StateWritten or StateFailed. FailedIn is the last state
	// reached before a failure.
	State    State
	FailedIn State
}

// Orchestrator signs documents with sessions from Opener.
type Orchestrator struct {
	Opener signers.SessionOpener
	// Style defaults to stamp.DefaultTextStampStyle. A nil Font is resolved
	// from FontPath when a visible stamp is rendered.
	Style    *stamp.TextStampStyle
	FontPath string
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// New creates an Orchestrator with the real clock, the package logger and
// the global tracer provider.
func New(opener signers.SessionOpener) *Orchestrator {
	return &Orchestrator{
		Opener: opener,
		Clock:  clockwork.NewRealClock(),
		Logger: logger.Get(),
		Tracer: otel.Tracer(tracerName),
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logger.Get()
}

func (o *Orchestrator) clock() clockwork.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clockwork.NewRealClock()
}

func (o *Orchestrator) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer(tracerName)
}

// Sign runs the request to completion. It never returns a partially
// signed file: the output path is only created once the signature is in
// place.
func (o *Orchestrator) Sign(ctx context.Context, req Request) Result {
	ctx, span := o.tracer().Start(ctx, "sign_document", trace.WithAttributes(
		attribute.String("eidsign.output", req.Output),
		attribute.Int("eidsign.page", req.Page),
		attribute.Bool("eidsign.visible", req.Visible),
		attribute.String("eidsign.role", req.Role.String()),
	))
	defer span.End()

	r := &run{o: o, req: req, log: o.logger(), state: StateIdle}
	err := r.execute(ctx)
	if err != nil {
		kind := classifyAt(r.state, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		r.log.Error("signing failed", "kind", kind, "state", r.state, "error", err)
		return Result{
			Message:   err.Error(),
			Kind:      kind,
			Trace:     errorTrace(r.state, err),
			FieldName: r.fieldName,
			Digest:    r.digest,
			State:     StateFailed,
			FailedIn:  r.state,
		}
	}
	r.log.Info("document signed", "output", req.Output, "field", r.fieldName)
	return Result{
		Success:    true,
		OutputPath: req.Output,
		Message:    SuccessMessage,
		FieldName:  r.fieldName,
		Digest:     r.digest,
		State:      StateWritten,
	}
}

// run is the state of one request.
type run struct {
	o     *Orchestrator
	req   Request
	log   *slog.Logger
	state State

	fieldName string
	digest    string
}

// stage runs fn in its own span and moves to next when it succeeds.
func (r *run) stage(ctx context.Context, name string, next State, fn func(ctx context.Context) error) error {
	ctx, span := r.o.tracer().Start(ctx, name)
	defer span.End()
	r.log.Debug("stage started", "stage", name, "state", r.state)
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.state = next
	return nil
}

func (r *run) execute(ctx context.Context) error {
	if err := r.req.validate(); err != nil {
		return err
	}

	var data []byte
	err := r.stage(ctx, "verify_integrity", StateIntegrityVerified, func(context.Context) error {
		var d integrity.Digest
		var err error
		if r.req.SourceBytes != nil {
			data = r.req.SourceBytes
			d, err = integrity.Verify(data, r.req.ExpectedDigest)
		} else {
			data, d, err = integrity.Load(r.req.Source, r.req.ExpectedDigest)
		}
		if err == nil || errors.Is(err, integrity.ErrIntegrityMismatch) {
			r.digest = d.String()
		}
		return err
	})
	if err != nil {
		return err
	}

	var w *writer.IncrementalWriter
	var field *fields.SignatureField
	err = r.stage(ctx, "inject_field", StateFieldInjected, func(context.Context) error {
		pdf, err := reader.NewPdfFileReaderFromBytes(data)
		if err != nil {
			return err
		}
		b := fields.NewSignatureFieldBuilder(r.req.FieldName).OnPage(r.req.Page)
		if r.req.Visible {
			b.WithBox(r.req.Box.X, r.req.Box.Y, r.req.Box.Width, r.req.Box.Height)
		} else {
			b.Invisible()
		}
		w = writer.NewIncrementalWriter(pdf)
		field, err = fields.Inject(w, b.Build())
		if err != nil {
			return err
		}
		r.fieldName = field.Name
		return nil
	})
	if err != nil {
		return err
	}

	var session signers.Session
	closeSession := func() {
		if session == nil {
			return
		}
		if err := session.Close(); err != nil {
			r.log.Warn("closing token session", "error", err)
		}
		session = nil
	}
	defer closeSession()

	err = r.stage(ctx, "open_session", StateSessionOpen, func(ctx context.Context) error {
		if r.o.Opener == nil {
			return fmt.Errorf("%w: no session opener configured", signers.ErrTokenUnavailable)
		}
		var err error
		session, err = r.o.Opener.Open(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var signed []byte
	err = r.stage(ctx, "sign", StateSigned, func(ctx context.Context) error {
		signer, err := session.Signer(r.req.Role)
		if err != nil {
			return err
		}
		now := r.o.clock().Now()
		if field.Visible {
			if err := r.applyAppearance(w, field, signer, now); err != nil {
				return err
			}
		}
		ps := &signers.PdfSigner{Signer: signer, Clock: r.o.clock(), Logger: r.log}
		signed, err = ps.SignField(ctx, w, field.Ref, signers.SignatureMetadata{
			Reason:      r.req.Reason,
			Location:    r.req.Location,
			ContactInfo: r.req.ContactInfo,
			SigningTime: now,
		})
		return err
	})
	if err != nil {
		return err
	}
	closeSession()

	return r.stage(ctx, "write_output", StateWritten, func(context.Context) error {
		return writeFileAtomic(r.req.Output, signed, 0o644)
	})
}

// applyAppearance renders the text stamp for signer at the signing time and
// attaches it to the field.
func (r *run) applyAppearance(w *writer.IncrementalWriter, field *fields.SignatureField, signer signers.Signer, now time.Time) error {
	style := stamp.DefaultTextStampStyle()
	if r.o.Style != nil {
		s := *r.o.Style
		style = &s
	}
	if style.Font == nil {
		style.Font = stamp.ResolveFont(r.o.FontPath, r.log)
	}
	xobj, err := style.Render(w, field.Rect.Width(), field.Rect.Height(), signer.Certificate().Subject.CommonName, now)
	if err != nil {
		return err
	}
	return fields.SetAppearance(w, field, xobj)
}
