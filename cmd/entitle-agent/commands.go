package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"entitlecli/internal/app"
	"entitlecli/internal/infrastructure"
	"entitlecli/pkg/contracts"
	"entitlecli/pkg/contracts/domain"
)

type rootOptions struct {
	configPath string
	baseDir    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "entitle-agent",
		Short: "Entitlement agent keeps a licensed application's policy current",
		Long: `entitle-agent runs the license session of one application instance.

It resolves the policy from the entitlement service or the local cache, keeps
it fresh with background heartbeats, records usage and feature events and
uploads them. Offline, a cached policy stays usable for the grace period it
allows. Checkout files imported with "import" or dropped into the checkout
inbox bind a policy to this device without any network access.

Configuration comes from a YAML file (--config) and ENTITLE_* environment
variables.`,
		Version:       contracts.GetVersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetVersionTemplate(contracts.GetFullVersionString() + "\n")

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to configuration file (YAML format)")
	flags.StringVar(&opts.baseDir, "base-dir", "", "directory relative paths resolve against (default: next to the binary)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level for one-shot commands")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newImportCmd(opts),
		newCleanupCmd(opts),
		newExportCmd(opts),
	)
	return root
}

// oneShot builds an application that logs to stderr and leaves telemetry off
func (o *rootOptions) oneShot(cmd *cobra.Command) (*app.Application, error) {
	return app.New(app.Options{
		ConfigPath:    o.configPath,
		BaseDir:       o.baseDir,
		Logger:        infrastructure.NewLogger(cmd.ErrOrStderr(), o.logLevel),
		SkipTelemetry: true,
	})
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the license session, checkout inbox and local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(app.Options{ConfigPath: opts.configPath, BaseDir: opts.baseDir})
			if err != nil {
				return err
			}
			defer infrastructure.CloseLogFile()
			return a.Run(cmd.Context())
		},
	}
}

type statusOutput struct {
	Status        domain.LicenseStatus `json:"status"`
	Usable        bool                 `json:"usable"`
	TrialDays     int64                `json:"trial_days_remaining"`
	PolicyID      string               `json:"policy_id,omitempty"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
	GraceDaysLeft *int64               `json:"grace_days_remaining,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Resolve the policy once and print the license status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			defer a.Stop(ctx)

			status, err := a.StartSession(ctx)
			if err != nil {
				return err
			}
			out := statusOutput{
				Status:    status,
				Usable:    status.Usable(),
				TrialDays: a.Session.GetTrialDaysRemaining(ctx),
			}
			if pol := a.Session.CurrentPolicy(); pol != nil {
				out.PolicyID = pol.ID()
				if exp := pol.ExpiresAt(); !exp.IsZero() {
					out.ExpiresAt = &exp
				}
				if g := a.Session.Grace(); g.Active {
					days := g.DaysRemaining(pol, time.Now().UnixMilli())
					out.GraceDaysLeft = &days
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <checkout-file>",
		Short: "Import a device-bound checkout file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			defer a.Stop(ctx)

			result, err := a.Session.ImportCheckout(ctx, args[0])
			if err != nil {
				return fmt.Errorf("import %s (result %d): %w", args[0], int(result), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", args[0])
			return nil
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var purgePosted time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired and unreadable cached policies and expired checkouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			defer a.Stop(ctx)

			removed, err := a.Session.CleanUpPolicies(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d cached entries\n", removed)

			if purgePosted > 0 {
				purged, err := a.PurgePosted(ctx, time.Now().Add(-purgePosted))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d uploaded records\n", purged)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&purgePosted, "purge-posted", 0, "also delete uploaded records older than this age (e.g. 720h)")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		format string
		kind   string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export usage and feature records as CSV or an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			format = strings.ToLower(format)
			if format != "csv" && format != "xlsx" {
				return fmt.Errorf("unknown format %q (want csv or xlsx)", format)
			}
			recordKind := domain.RecordKind(strings.ToLower(kind))
			if format == "csv" && recordKind != domain.RecordKindUsage && recordKind != domain.RecordKindFeature {
				return fmt.Errorf("unknown record kind %q (want usage or feature)", kind)
			}

			a, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			defer a.Stop(ctx)

			if format == "xlsx" {
				if out == "" {
					out = "records.xlsx"
				}
				summary, err := a.ExportWorkbook(ctx, out)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d usage, %d feature records)\n",
					summary.Path, summary.UsageRows, summary.FeatureRows)
				return nil
			}

			if out == "" {
				out = string(recordKind) + ".csv"
			}
			n, err := a.ExportCSV(ctx, recordKind, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d %s records\n", n, recordKind)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "output format: csv or xlsx")
	cmd.Flags().StringVar(&kind, "kind", "usage", "record kind for csv: usage or feature")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file; relative paths land in the exports directory")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
