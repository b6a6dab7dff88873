package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/votechain/votechain/internal/alert"
	"github.com/votechain/votechain/internal/cdc"
	"github.com/votechain/votechain/internal/config"
	"github.com/votechain/votechain/internal/ledger"
	"github.com/votechain/votechain/internal/storage"
	"github.com/votechain/votechain/internal/verify"
)

var verifyPersisted bool

func init() {
	verifyCmd.Flags().BoolVar(&verifyPersisted, "persisted", false, "re-read the store and compare it with the loaded chain")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		result := env.ledger.VerifyIntegrity()
		if verifyPersisted && result.OK() {
			result, err = env.ledger.VerifyPersisted(cmd.Context())
			if err != nil {
				return err
			}
		}

		if err := result.Err(); err != nil {
			f := result.Failure
			pterm.Error.Printfln("FAILED at block %d: %s", f.Index, f.Kind)
			if f.Expected != "" || f.Actual != "" {
				pterm.Error.Printfln("  expected: %s", f.Expected)
				pterm.Error.Printfln("  actual:   %s", f.Actual)
			}
			return err
		}

		pterm.Success.Printfln("Hash chain is intact (%d blocks checked)", result.Checked)
		return nil
	},
}

// watchedLedger refreshes the ledger from the shared store before every
// persisted check, so votes cast by other processes are not divergence.
type watchedLedger struct {
	*ledger.Ledger
}

func (w watchedLedger) VerifyPersisted(ctx context.Context) (verify.Result, error) {
	if _, err := w.Refresh(ctx); err != nil {
		return verify.Result{}, err
	}
	return w.Ledger.VerifyPersisted(ctx)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the PostgreSQL ledger tables for tampering",
	Long: `Streams logical replication changes of the ledger tables and flags any
UPDATE, DELETE, or TRUNCATE of a block, or an inserted block that does not
extend the chain. The chain is also verified at startup and on the configured
interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		cfg := env.cfg
		if cfg.Ledger.Backend != config.BackendPostgres {
			return fmt.Errorf("watch requires the %s backend, configured backend is %s", config.BackendPostgres, cfg.Ledger.Backend)
		}

		alertManager := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		chain := env.ledger.Chain()
		guard := verify.NewAppendOnlyGuard(env.ledger.Algorithm(), env.logger)
		guard.SetAlertManager(alertManager)
		guard.SetTip(chain[len(chain)-1])

		manager := cdc.NewManager(&cdc.ReplicationConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			SlotName:        cfg.Watch.SlotName,
			PublicationName: cfg.Watch.PublicationName,
			Tables:          []string{storage.BlocksTable, storage.CandidatesTable, storage.MetadataTable},
		}, env.logger)
		manager.SetAlertManager(alertManager)
		manager.AddHandler(guard)

		verifier := verify.NewVerifier(watchedLedger{env.ledger}, verify.VerifierConfig{
			OnStartup: cfg.Verify.OnStartup,
			Interval:  cfg.VerifyInterval(),
			Persisted: cfg.Verify.Persisted,
		}, env.logger)
		verifier.SetAlertManager(alertManager)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		pterm.Info.Printfln("Watching %s:%d/%s (slot %s)",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database, cfg.Watch.SlotName)

		if err := verifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start verifier: %w", err)
		}
		defer verifier.Stop()

		if err := manager.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize CDC manager: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start CDC manager: %w", err)
		}

		pterm.Success.Println("Watcher is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		pterm.Info.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := manager.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop CDC manager: %w", err)
		}

		stats := manager.Stats()
		data := pterm.TableData{{"Table", "Inserts", "Updates", "Deletes", "Truncates"}}
		for _, table := range []string{storage.BlocksTable, storage.CandidatesTable, storage.MetadataTable} {
			counts := stats[table]
			data = append(data, []string{
				table,
				strconv.Itoa(counts[cdc.OperationInsert]),
				strconv.Itoa(counts[cdc.OperationUpdate]),
				strconv.Itoa(counts[cdc.OperationDelete]),
				strconv.Itoa(counts[cdc.OperationTruncate]),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}

		pterm.Info.Printfln("Observed %d valid block inserts, %d tampering events, %d verification runs",
			guard.Inserted(), manager.TamperingCount(), verifier.Runs())
		return nil
	},
}
