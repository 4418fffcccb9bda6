package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/georgepadayatti/eidsign/config"
	"github.com/georgepadayatti/eidsign/internal/logger"
	"github.com/georgepadayatti/eidsign/keys"
	"github.com/georgepadayatti/eidsign/pdf/layout"
	"github.com/georgepadayatti/eidsign/sign/orchestrator"
	"github.com/georgepadayatti/eidsign/sign/signers"
	"github.com/georgepadayatti/eidsign/stamp"
	"github.com/spf13/cobra"
)

// SignRequest is the JSON request read by sign --json.
type SignRequest struct {
	PdfPath string `json:"pdf_path"`
	// InputPath is accepted in place of pdf_path.
	InputPath   string  `json:"input_path,omitempty"`
	FileHash    string  `json:"file_hash"`
	OutputPath  string  `json:"output_path"`
	Page        int     `json:"page"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Visible     bool    `json:"visible"`
	Reason      string  `json:"reason"`
	Location    string  `json:"location"`
	UseAuthCert bool    `json:"use_auth_cert"`
	ContactInfo string  `json:"contact_info,omitempty"`
	FieldName   string  `json:"field_name,omitempty"`
}

// SignResponse is the JSON result written by sign --json.
type SignResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Traceback  string `json:"traceback,omitempty"`
}

// defaultSignRequest fills the fields a JSON request may leave out.
func defaultSignRequest(cfg *config.Config) SignRequest {
	d := orchestrator.DefaultRequest()
	return SignRequest{
		Page:        d.Page,
		X:           d.Box.X,
		Y:           d.Box.Y,
		Width:       d.Box.Width,
		Height:      d.Box.Height,
		Visible:     d.Visible,
		Reason:      cfg.Signature.Reason,
		Location:    cfg.Signature.Location,
		ContactInfo: cfg.Signature.ContactInfo,
		UseAuthCert: authRole(cfg),
	}
}

// authRole reports whether the configuration selects the authentication
// key. The role was checked by config.Validate.
func authRole(cfg *config.Config) bool {
	role, _ := signers.ParseRole(cfg.Signature.Role)
	return role == signers.RoleAuthentication
}

func (r SignRequest) source() string {
	if r.PdfPath != "" {
		return r.PdfPath
	}
	return r.InputPath
}

func (r SignRequest) toRequest() orchestrator.Request {
	role := signers.RoleSignature
	if r.UseAuthCert {
		role = signers.RoleAuthentication
	}
	return orchestrator.Request{
		Source:         r.source(),
		ExpectedDigest: r.FileHash,
		Output:         r.OutputPath,
		Page:           r.Page,
		Box:            orchestrator.Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height},
		Visible:        r.Visible,
		Reason:         r.Reason,
		Location:       r.Location,
		ContactInfo:    r.ContactInfo,
		Role:           role,
		FieldName:      r.FieldName,
	}
}

type signOptions struct {
	jsonIO    bool
	invisible bool
	useAuth   bool
	req       SignRequest

	fontPath    string
	p12         string
	p12Password string
	certFile    string
	keyFile     string
}

func newSignCommand(ro *RootOptions) *cobra.Command {
	o := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a PDF document",
		Long: `Sign a PDF document with the card's signature key.

With --json the request is read from stdin as an object with the keys
pdf_path (or input_path), file_hash, output_path, page, x, y, width,
height, visible, reason, location and use_auth_cert, and the result is
written to stdout as JSON. The exit status is 0 whenever a result was
written, and 1 only when the request is not valid JSON. Otherwise the
request comes from the flags.

--p12 or --cert/--key replace the card with a software key, for testing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd, ro)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&o.jsonIO, "json", false, "read the request from stdin and write the result as JSON")
	f.StringVarP(&o.req.PdfPath, "input", "i", "", "PDF to sign")
	f.StringVarP(&o.req.OutputPath, "output", "o", "", "where to write the signed PDF")
	f.StringVar(&o.req.FileHash, "hash", "", "expected SHA-256 of the input, hex")
	f.IntVar(&o.req.Page, "page", 0, "zero-based page of the visible signature")
	f.Float64Var(&o.req.X, "x", 200, "left edge of the signature box, in points")
	f.Float64Var(&o.req.Y, "y", 600, "bottom edge of the signature box, in points")
	f.Float64Var(&o.req.Width, "width", 200, "width of the signature box")
	f.Float64Var(&o.req.Height, "height", 60, "height of the signature box")
	f.BoolVar(&o.invisible, "invisible", false, "add no visible stamp")
	f.StringVar(&o.req.Reason, "reason", "", "reason for signing (default from config)")
	f.StringVar(&o.req.Location, "location", "", "location of signing (default from config)")
	f.StringVar(&o.req.ContactInfo, "contact", "", "contact information of the signer")
	f.StringVar(&o.req.FieldName, "field", "", "signature field name (generated when empty)")
	f.BoolVar(&o.useAuth, "auth", false, "sign with the authentication key instead")
	f.StringVar(&o.fontPath, "font", "", "TrueType font for the stamp")
	f.StringVar(&o.p12, "p12", "", "PKCS#12 file to sign with instead of the card")
	f.StringVar(&o.p12Password, "p12-password", "", "password of the PKCS#12 file")
	f.StringVar(&o.certFile, "cert", "", "PEM or DER certificate (with --key) to sign with instead of the card")
	f.StringVar(&o.keyFile, "key", "", "PEM or DER private key (with --cert)")
	return cmd
}

func (o *signOptions) run(cmd *cobra.Command, ro *RootOptions) error {
	log := logger.Get()
	cfg, err := ro.loadConfig()
	if err != nil {
		return o.report(cmd, ro, orchestrator.Result{
			Kind:    orchestrator.KindInvalidRequest,
			Message: err.Error(),
			Trace:   err.Error(),
		})
	}

	var req SignRequest
	if o.jsonIO {
		req = defaultSignRequest(cfg)
		if err := json.NewDecoder(cmd.InOrStdin()).Decode(&req); err != nil {
			if err := o.report(cmd, ro, orchestrator.Result{
				Kind:    orchestrator.KindInvalidRequest,
				Message: fmt.Sprintf("invalid JSON request: %v", err),
			}); err != nil {
				return err
			}
			return &ExitError{Code: 1}
		}
	} else {
		req = o.req
		req.Visible = !o.invisible
		req.UseAuthCert = o.useAuth || authRole(cfg)
		if !cmd.Flags().Changed("reason") {
			req.Reason = cfg.Signature.Reason
		}
		if !cmd.Flags().Changed("location") {
			req.Location = cfg.Signature.Location
		}
		if !cmd.Flags().Changed("contact") {
			req.ContactInfo = cfg.Signature.ContactInfo
		}
	}

	orch := orchestrator.New(o.opener(cfg, log))
	orch.Style = stampStyle(cfg.Stamp)
	orch.FontPath = cfg.Stamp.FontPath
	if o.fontPath != "" {
		orch.FontPath = o.fontPath
	}
	orch.Logger = log

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return o.report(cmd, ro, orch.Sign(ctx, req.toRequest()))
}

// report prints the result. A failure is exit status 1 for people; JSON
// callers read success from the result itself.
func (o *signOptions) report(cmd *cobra.Command, ro *RootOptions, res orchestrator.Result) error {
	out := cmd.OutOrStdout()
	if o.jsonIO {
		resp := SignResponse{Success: res.Success}
		if res.Success {
			resp.Message = res.Message
			resp.OutputPath = res.OutputPath
			resp.FieldName = res.FieldName
		} else {
			resp.Error = res.Message
			resp.Kind = string(res.Kind)
			if ro.Debug {
				resp.Traceback = res.Trace
			}
		}
		return writeJSON(out, resp)
	}
	if res.Success {
		okColor.Fprint(out, "✓ ")
		fmt.Fprintf(out, "%s: %s (field %s)\n", res.Message, res.OutputPath, res.FieldName)
	} else {
		failColor.Fprintf(out, "✗ %s", res.Kind)
		fmt.Fprintf(out, ": %s\n", res.Message)
		if ro.Debug && res.Trace != "" {
			warnColor.Fprintln(cmd.ErrOrStderr(), res.Trace)
		}
	}
	if !res.Success {
		return &ExitError{Code: 1}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// opener selects the software key when one is given, the token otherwise.
func (o *signOptions) opener(cfg *config.Config, log *slog.Logger) signers.SessionOpener {
	switch {
	case o.p12 != "":
		return &fileOpener{load: func() (*keys.Credential, error) {
			return keys.LoadPKCS12(o.p12, o.p12Password)
		}}
	case o.certFile != "" || o.keyFile != "":
		return &fileOpener{load: func() (*keys.Credential, error) {
			if o.certFile == "" || o.keyFile == "" {
				return nil, fmt.Errorf("--cert and --key must be given together")
			}
			return keys.LoadPemDer(o.certFile, o.keyFile, nil)
		}}
	}
	return &signers.PKCS11Opener{Config: cfg.PKCS11, Logger: log}
}

// fileOpener loads a software credential when the session is opened, so
// that key files are only read once the document has been checked.
type fileOpener struct {
	load func() (*keys.Credential, error)
}

func (f *fileOpener) Open(ctx context.Context) (signers.Session, error) {
	cred, err := f.load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signers.ErrTokenUnavailable, err)
	}
	soft := &signers.SoftSessionOpener{Signature: cred, Authentication: cred}
	return soft.Open(ctx)
}

func stampStyle(c config.StampConfig) *stamp.TextStampStyle {
	s := stamp.DefaultTextStampStyle()
	if c.Template != "" {
		s.Template = c.Template
	}
	if c.FontSize > 0 {
		s.FontSize = c.FontSize
	}
	if c.Leading > 0 {
		s.Leading = c.Leading
	}
	s.BorderWidth = c.BorderWidth
	if c.TimestampFormat != "" {
		s.TimestampFormat = c.TimestampFormat
	}
	// Validated when the configuration was loaded.
	s.XAlign, _ = layout.ParseAlignment(c.XAlign)
	s.YAlign, _ = layout.ParseAlignment(c.YAlign)
	return s
}
