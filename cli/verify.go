package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/georgepadayatti/eidsign/sign/integrity"
	"github.com/georgepadayatti/eidsign/sign/validation"
	"github.com/spf13/cobra"
)

// VerifyResult is the JSON form of one signature report.
type VerifyResult struct {
	FieldName       string   `json:"field_name"`
	SignerName      string   `json:"signer_name,omitempty"`
	SigningTime     string   `json:"signing_time,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Location        string   `json:"location,omitempty"`
	Valid           bool     `json:"valid"`
	IntegrityStatus string   `json:"integrity_status"`
	SignatureStatus string   `json:"signature_status"`
	Coverage        string   `json:"coverage"`
	CoversWholeFile bool     `json:"covers_whole_file"`
	ByteRange       [4]int64 `json:"byte_range"`
	Errors          []string `json:"errors,omitempty"`
}

func toVerifyResult(r *validation.SignatureReport) VerifyResult {
	out := VerifyResult{
		FieldName:       r.FieldName,
		SignerName:      r.SignerName,
		Reason:          r.Reason,
		Location:        r.Location,
		Valid:           r.Valid(),
		IntegrityStatus: r.IntegrityStatus.String(),
		SignatureStatus: r.SignatureStatus.String(),
		Coverage:        r.Coverage.String(),
		CoversWholeFile: r.CoversWholeFile(),
		ByteRange:       r.ByteRange,
	}
	if !r.SigningTime.IsZero() {
		out.SigningTime = r.SigningTime.UTC().Format(time.RFC3339)
	}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func newVerifyCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify <input.pdf>",
		Short: "Verify the signatures of a PDF document",
		Long: `Verify that every signature in a PDF matches the bytes it covers and
report which revision it signs. Certificate trust is not checked.

Exits with status 1 when any signature is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			reports, err := validation.VerifyDocument(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			results := make([]VerifyResult, len(reports))
			allValid := true
			for i, r := range reports {
				results[i] = toVerifyResult(r)
				allValid = allValid && r.Valid()
			}
			if asJSON {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for i, r := range results {
					if i > 0 {
						fmt.Fprintln(out)
					}
					if r.Valid {
						okColor.Fprintf(out, "✓ %s\n", r.FieldName)
					} else {
						failColor.Fprintf(out, "✗ %s\n", r.FieldName)
					}
					fmt.Fprintf(out, "  Signer:    %s\n", r.SignerName)
					fmt.Fprintf(out, "  Signed at: %s\n", r.SigningTime)
					fmt.Fprintf(out, "  Integrity: %s, signature: %s\n", r.IntegrityStatus, r.SignatureStatus)
					fmt.Fprintf(out, "  Covers:    %s\n", r.Coverage)
					if r.Reason != "" {
						fmt.Fprintf(out, "  Reason:    %s\n", r.Reason)
					}
					for _, e := range r.Errors {
						warnColor.Fprintf(out, "  ! %s\n", e)
					}
				}
			}
			if !allValid {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "write the reports as JSON")
	return cmd
}

func newDigestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "digest <input.pdf>",
		Short: "Print the SHA-256 of a file, as expected in file_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := integrity.Load(args[0], "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}
}
