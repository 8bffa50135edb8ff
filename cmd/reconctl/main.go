// reconctl runs reconciliation maintenance from a shell: migrations, sweeps,
// previews and operator locks. It talks to the same database as the API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/mmdatafocus/books_reconciliation/workflow"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	businessID   string
	obligationID int
	reason       string
)

var rootCmd = &cobra.Command{
	Use:           "reconctl",
	Short:         "Reconciliation maintenance",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&businessID, "business-id", "", "business the command runs for")

	sweepCmd.Flags().String("channel", "", "cash or bank")
	sweepCmd.Flags().String("from", "", "first reference date (YYYY-MM-DD)")
	sweepCmd.Flags().String("to", "", "last reference date (YYYY-MM-DD)")
	_ = sweepCmd.MarkFlagRequired("channel")

	for _, c := range []*cobra.Command{previewCmd, lockCmd, unlockCmd, recordsCmd} {
		c.Flags().IntVar(&obligationID, "obligation-id", 0, "obligation id")
		_ = c.MarkFlagRequired("obligation-id")
	}
	for _, c := range []*cobra.Command{lockCmd, unlockCmd} {
		c.Flags().StringVar(&reason, "reason", "", "why the operator locks or unlocks")
	}
	recordsCmd.Flags().Int("limit", 50, "newest records to print")

	rootCmd.AddCommand(migrateCmd, sweepCmd, previewCmd, lockCmd, unlockCmd, recordsCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the reconciliation tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		db := connect()
		if err := models.MigrateTable(db); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-evaluate open obligations of one channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, coord, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		channel, _ := cmd.Flags().GetString("channel")
		var window workflow.SweepWindow
		for _, name := range []string{"from", "to"} {
			raw, _ := cmd.Flags().GetString(name)
			if raw == "" {
				continue
			}
			t, err := utils.ParseDate(raw)
			if err != nil {
				return fmt.Errorf("--%s: %w", name, err)
			}
			if name == "from" {
				window.From = &t
			} else {
				window.To = &t
			}
		}
		report, err := coord.RunSweep(ctx, models.PaymentChannel(channel), window)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show the candidates an obligation would be matched against, without writing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, coord, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		pv, err := coord.CandidatesForObligation(ctx, obligationID)
		if err != nil {
			return err
		}
		return printJSON(pv)
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Freeze an obligation so sweeps skip it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, coord, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		o, err := coord.Lock(ctx, obligationID, reason)
		if err != nil {
			return err
		}
		return printJSON(o)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Return a locked obligation to the state it was locked from",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, coord, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		o, err := coord.Unlock(ctx, obligationID, reason)
		if err != nil {
			return err
		}
		return printJSON(o)
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Print the audit trail of an obligation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, coord, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		recs, err := coord.Records(ctx, models.RecordFilter{ObligationId: obligationID, Limit: limit})
		if err != nil {
			return err
		}
		return printJSON(recs)
	},
}

func connect() *gorm.DB {
	db := config.ConnectDatabaseWithRetry()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	return db
}

// setup scopes ctx to --business-id and builds a coordinator on the
// database. Operator actions are recorded under the shell user.
func setup(ctx context.Context) (context.Context, *workflow.Coordinator, error) {
	if strings.TrimSpace(businessID) == "" {
		return nil, nil, errors.New("--business-id is required")
	}
	policy, err := config.LoadMatchPolicy()
	if err != nil {
		return nil, nil, err
	}
	db := connect()

	actor := os.Getenv("USER")
	if actor == "" {
		actor = "reconctl"
	}
	ctx = utils.SetBusinessIdInContext(ctx, businessID)
	ctx = utils.SetUserNameInContext(ctx, actor)
	ctx = utils.SetCorrelationIdInContext(ctx, fmt.Sprintf("reconctl-%d", time.Now().UnixNano()))

	coord := workflow.NewCoordinator(models.NewGormStore(db), matcher.New(policy, nil), config.GetLogger())
	coord.Locker = workflow.AdvisoryLocker{DB: db}
	coord.SweepLocker = workflow.AdvisoryLocker{DB: db}
	return ctx, coord, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
