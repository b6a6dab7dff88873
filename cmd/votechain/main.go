package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/votechain/votechain/internal/config"
	"github.com/votechain/votechain/internal/ledger"
	"github.com/votechain/votechain/internal/logging"
	"github.com/votechain/votechain/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "votechain",
	Short:         "Votechain - tamper-evident vote ledger",
	Long:          `An append-only vote ledger built as a hash-linked chain of blocks`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "votechain.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(voteCmd)
	rootCmd.AddCommand(hasVotedCmd)
	rootCmd.AddCommand(candidatesCmd)
	rootCmd.AddCommand(tallyCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(watchCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("votechain v0.1.0")
		fmt.Println("Tamper-evident vote ledger")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the ledger and its genesis block",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		info := env.ledger.Info()
		pterm.Success.Printfln("Ledger ready (%s backend)", env.cfg.Ledger.Backend)
		pterm.Info.Printfln("Genesis: %s", env.ledger.Chain()[0].BlockHash)
		pterm.Info.Printfln("Blocks: %d, candidates: %d, hash: %s", info.Blocks, info.Candidates, info.Algorithm)
		return nil
	},
}

// env bundles what every ledger command needs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	ledger *ledger.Ledger
}

func (e *env) close() {
	if err := e.ledger.Close(); err != nil {
		e.logger.Warn("Failed to close ledger", "error", err)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Log, nil)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case config.BackendFile:
		store, err := storage.NewFileStore(cfg.Ledger.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		store, err := storage.NewPostgresStore(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.Ledger.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.New(cfg.BoltPath())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return store, nil
	}
}

func ledgerOptions(cfg *config.Config, logger *slog.Logger) ledger.Options {
	return ledger.Options{
		Algorithm:  cfg.HashAlgorithm(),
		Candidates: cfg.SeedCandidates(),
		Logger:     logger,
	}
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(ctx, store, ledgerOptions(cfg, logger))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	return &env{cfg: cfg, logger: logger, ledger: l}, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
