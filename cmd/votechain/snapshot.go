package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/votechain/votechain/internal/ledger"
	"github.com/votechain/votechain/internal/storage"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the ledger to a JSON snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		snap := env.ledger.Snapshot()
		if err := storage.WriteSnapshot(args[0], snap); err != nil {
			return err
		}

		pterm.Success.Printfln("Exported %d blocks and %d candidates to %s", len(snap.Blocks), len(snap.Candidates), args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load a verified JSON snapshot into an empty store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		snap, err := storage.ReadSnapshot(args[0])
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		l, err := ledger.Import(cmd.Context(), store, snap, ledgerOptions(cfg, logger))
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to import %s: %w", args[0], err)
		}
		defer l.Close()

		info := l.Info()
		pterm.Success.Printfln("Imported %d blocks (%s), tip %s", info.Blocks, info.Algorithm, info.TipHash)
		return nil
	},
}
