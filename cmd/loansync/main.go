/*
main.go - loansync command-line entry point

PURPOSE:
  Wires configuration, state, the browser surface, the MFA mailbox, and the
  remote ledger client into the orchestrator, and exposes the operator
  commands.

COMMANDS:
  sync             Run one full extract-and-sync cycle
  discover-groups  Log in and print the loan groups the portal shows
  parse-snapshot   Parse a saved page-text file offline (no browser, no remote)
  list-accounts    Print the remote ledger accounts
  list-categories  Print the remote ledger transaction categories
  status           Show the last run and recently processed payments

EXAMPLES:
  # Normal sync
  loansync sync --config ./loansync.yaml

  # See what a run would do without writing anything
  loansync sync --dry-run --remote-check

  # First-time setup: find the group codes to configure
  loansync discover-groups

  # Portal changed? Re-test the parser against captured page text
  loansync parse-snapshot debug/run-20250901T120000Z/003-loan-details.txt

SEE ALSO:
  - orchestrator: the run pipeline
  - config:       YAML layout and environment substitution
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/loan-sync/browser"
	"github.com/warp/loan-sync/config"
	"github.com/warp/loan-sync/ledger"
	"github.com/warp/loan-sync/ledger/monarch"
	"github.com/warp/loan-sync/mfa"
	"github.com/warp/loan-sync/money"
	"github.com/warp/loan-sync/orchestrator"
	"github.com/warp/loan-sync/portal"
	"github.com/warp/loan-sync/state"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "loansync",
		Short:         "Sync loan balances and payments from the servicer portal into the ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "loansync.yaml", "path to the YAML config")

	root.AddCommand(
		syncCmd(&configPath),
		discoverGroupsCmd(&configPath),
		parseSnapshotCmd(&configPath),
		listAccountsCmd(&configPath),
		listCategoriesCmd(&configPath),
		statusCmd(&configPath),
	)
	return root
}

// signalContext cancels on SIGINT/SIGTERM so an interrupted run still records
// its outcome and writes a debug bundle.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(path string) (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return cfg, logrus.WithField("app", "loansync"), nil
}

func surfaceFactory(cfg *config.Config, headful bool) portal.SurfaceFactory {
	return browser.Factory(browser.Config{
		Headful:   headful,
		DarkHosts: cfg.Portal.DarkHosts,
	})
}

func codeSource(cfg *config.Config) portal.CodeSource {
	if !cfg.MFA.Enabled() {
		return nil
	}
	return mfa.NewIMAPSource(mfa.IMAPConfig{
		Addr:       cfg.MFA.IMAPAddr,
		Username:   cfg.MFA.Username,
		Password:   cfg.MFA.Password,
		Mailbox:    cfg.MFA.Mailbox,
		FromFilter: cfg.MFA.FromFilter,
	})
}

func ledgerClient(cfg *config.Config) (ledger.Client, error) {
	return monarch.New(monarch.Config{
		SessionPath: cfg.Ledger.SessionPath,
		Endpoint:    cfg.Ledger.Endpoint,
	})
}

// =============================================================================
// SYNC
// =============================================================================

func syncCmd(configPath *string) *cobra.Command {
	var (
		dryRun        bool
		remoteCheck   bool
		skipRemote    bool
		freshSession  bool
		headful       bool
		maxPayments   int
		paymentsSince string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one extract-and-sync cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			opts := orchestrator.Options{
				DryRun:       dryRun,
				RemoteCheck:  remoteCheck,
				SkipRemote:   skipRemote,
				FreshSession: freshSession,
				MaxPayments:  maxPayments,
			}
			if paymentsSince != "" {
				since, err := time.Parse("2006-01-02", paymentsSince)
				if err != nil {
					return fmt.Errorf("--payments-since wants YYYY-MM-DD: %w", err)
				}
				opts.PaymentsSince = since
			}

			store, err := state.Open(cfg.State.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			var remote ledger.Client
			if !skipRemote {
				if remote, err = ledgerClient(cfg); err != nil {
					return err
				}
			}

			ctx, stop := signalContext()
			defer stop()

			orch := orchestrator.New(cfg, store, remote, surfaceFactory(cfg, headful), codeSource(cfg), log)
			summary, err := orch.Run(ctx, opts)
			if err != nil {
				if summary != nil && summary.BundlePath != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "debug bundle: %s\n", summary.BundlePath)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"groups parsed: %d\npayments parsed: %d\nbalances written: %d (gated: %d)\npayments created: %d (deduped: %d, skipped: %d)\n",
				summary.GroupsParsed, summary.PaymentsParsed,
				summary.BalancesWritten, summary.BalancesGated,
				summary.PaymentsCreated, summary.PaymentsDeduped, summary.PaymentsSkipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report intended writes without performing them")
	cmd.Flags().BoolVar(&remoteCheck, "dry-run-remote-check", false, "with --dry-run, still run the read-only remote duplicate probes")
	cmd.Flags().BoolVar(&skipRemote, "skip-remote", false, "extract and report without contacting the ledger")
	cmd.Flags().BoolVar(&freshSession, "fresh-session", false, "discard the stored portal session before logging in")
	cmd.Flags().BoolVar(&headful, "headful", false, "show the browser window")
	cmd.Flags().IntVar(&maxPayments, "max-payments", 0, "cap on payment detail pages to visit (0 = default)")
	cmd.Flags().StringVar(&paymentsSince, "payments-since", "", "ignore payments dated before YYYY-MM-DD")
	return cmd
}

// =============================================================================
// DISCOVER-GROUPS
// =============================================================================

func discoverGroupsCmd(configPath *string) *cobra.Command {
	var headful bool

	cmd := &cobra.Command{
		Use:   "discover-groups",
		Short: "Log in and print the loan groups the portal shows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			auto := portal.NewAutomaton(portal.AutomatonConfig{
				LoginURL:       cfg.Portal.LoginURL,
				DashboardURL:   cfg.Portal.DashboardURL,
				Credentials:    portal.Credentials{Username: cfg.Portal.Username, Password: cfg.Portal.Password},
				Codes:          codeSource(cfg),
				RememberDevice: cfg.Portal.RememberDevice,
				Session:        portal.SessionArtifact{Path: cfg.Portal.SessionPath},
				OverallTimeout: cfg.Portal.LoginTimeout,
				Log:            log,
			}, surfaceFactory(cfg, headful))

			if err := auto.EnsureAuthenticated(ctx); err != nil {
				return err
			}
			surface := auto.Surface()
			defer surface.Close()

			body, err := surface.BodyText(ctx)
			if err != nil {
				return err
			}
			return printGroups(cmd, body)
		},
	}

	cmd.Flags().BoolVar(&headful, "headful", false, "show the browser window")
	return cmd
}

func printGroups(cmd *cobra.Command, body string) error {
	groups := portal.DiscoverGroups(body)
	if len(groups) == 0 {
		return fmt.Errorf("no loan group sections found on the page")
	}
	for _, g := range groups {
		if g.Token != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", g.Token, g.Label)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), g.Label)
		}
	}
	return nil
}

// =============================================================================
// PARSE-SNAPSHOT
// =============================================================================

// parseSnapshotCmd replays the parsers against a captured page-text file.
// This is the fastest loop when the portal rewords a label: capture once,
// iterate offline.
func parseSnapshotCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse-snapshot <page-text-file>",
		Short: "Parse a saved page-text file offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			body := string(raw)
			out := cmd.OutOrStdout()

			sections := portal.SegmentGroups(body)
			if len(sections) > 0 {
				fmt.Fprintln(out, "loan groups:")
				for _, group := range cfg.Portal.Groups {
					section, err := portal.MatchGroupSection(sections, group)
					if err != nil {
						fmt.Fprintf(out, "  %-8s %v\n", group, err)
						continue
					}
					snap, err := portal.ParseLoanSnapshot(group, section.Text)
					if err != nil {
						fmt.Fprintf(out, "  %-8s %v\n", group, err)
						continue
					}
					fmt.Fprintf(out, "  %-8s outstanding %s (principal %s, accrued interest %s)\n",
						group,
						money.CentsToString(snap.OutstandingBalanceCents),
						money.CentsToString(snap.PrincipalBalanceCents),
						money.CentsToString(snap.AccruedInterestCents))
				}
			}

			allocs, err := portal.ParsePaymentAllocations(body, portal.PaymentParseOptions{
				ExpectedGroups: cfg.Portal.Groups,
			})
			if err == nil {
				fmt.Fprintln(out, "payment allocations:")
				for _, a := range allocs {
					fmt.Fprintf(out, "  %s\n", a.Key())
				}
			} else if len(sections) == 0 {
				return fmt.Errorf("no loan groups and no payment rows in %s: %w", args[0], err)
			}
			return nil
		},
	}
	return cmd
}

// =============================================================================
// LIST-ACCOUNTS
// =============================================================================

func listAccountsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-accounts",
		Short: "Print the remote ledger accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			remote, err := ledgerClient(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			accounts, err := remote.Accounts(ctx)
			if err != nil {
				return err
			}
			for _, a := range accounts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-14s %s\n",
					a.Name, money.CentsToString(a.DisplayBalanceCents), a.ID)
			}
			return nil
		},
	}
}

// listCategoriesCmd helps fill in ledger.category_id: it needs the concrete
// client, since categories are a configuration concern the sync interface
// doesn't carry.
func listCategoriesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-categories",
		Short: "Print the remote ledger transaction categories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			remote, err := monarch.New(monarch.Config{
				SessionPath: cfg.Ledger.SessionPath,
				Endpoint:    cfg.Ledger.Endpoint,
			})
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			categories, err := remote.Categories(ctx)
			if err != nil {
				return err
			}
			for _, c := range categories {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", c.Name, c.ID)
			}
			return nil
		},
	}
}

// =============================================================================
// STATUS
// =============================================================================

func statusCmd(configPath *string) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last run and recently processed payments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := state.Open(cfg.State.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signalContext()
			defer stop()
			out := cmd.OutOrStdout()

			run, err := store.LastRun(ctx)
			if err != nil {
				return err
			}
			if run == nil {
				fmt.Fprintln(out, "no runs recorded")
			} else {
				fmt.Fprintf(out, "last run: #%d %s (started %s)\n",
					run.ID, run.Status, run.StartedAt.Format(time.RFC3339))
				if run.Error != "" {
					fmt.Fprintf(out, "  error: %s\n", run.Error)
				}
				if run.SummaryJSON != "" {
					fmt.Fprintf(out, "  summary: %s\n", run.SummaryJSON)
				}
			}

			processed, err := store.ProcessedAllocations(ctx, recent)
			if err != nil {
				return err
			}
			if len(processed) > 0 {
				fmt.Fprintln(out, "recent payments:")
				for _, p := range processed {
					fmt.Fprintf(out, "  %s -> %s\n", p.Key, p.RemoteTransactionID)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&recent, "recent", 10, "how many processed payments to show")
	return cmd
}
