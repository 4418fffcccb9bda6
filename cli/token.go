package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/georgepadayatti/eidsign/internal/logger"
	"github.com/georgepadayatti/eidsign/sign/signers"
	"github.com/spf13/cobra"
)

// moduleLoader is replaced in tests.
var moduleLoader signers.ModuleLoader = signers.LoadModule

func newTokenCommand(ro *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "List the certificates on the configured token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ro.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			session, err := signers.OpenPKCS11Session(ctx, cfg.PKCS11, moduleLoader, logger.Get())
			if err != nil {
				return err
			}
			defer session.Close()

			certs, err := session.Certificates()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(certs) == 0 {
				warnColor.Fprintln(out, "no certificates on the token")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LABEL\tSUBJECT\tISSUER\tNOT AFTER")
			for _, c := range certs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Label,
					c.Certificate.Subject.CommonName,
					c.Certificate.Issuer.CommonName,
					c.Certificate.NotAfter.Format("2006-01-02"))
			}
			return tw.Flush()
		},
	}
}
