package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/ledger"
	"github.com/votechain/votechain/internal/registry"
)

var (
	chainLimit  int
	receiptJSON bool
)

func init() {
	candidatesCmd.AddCommand(candidatesAddCmd)
	candidatesCmd.AddCommand(candidatesRemoveCmd)
	chainCmd.Flags().IntVar(&chainLimit, "limit", 0, "show only the last N blocks (0 shows all)")
	receiptCmd.Flags().BoolVar(&receiptJSON, "json", false, "print the receipt as JSON")
}

// voteRejection carries the message shown to the voter. The ledger error stays
// reachable through errors.Is and errors.As.
type voteRejection struct {
	msg string
	err error
}

func (r *voteRejection) Error() string { return r.msg }

func (r *voteRejection) Unwrap() error { return r.err }

// rejection turns a ledger error from casting a vote for candidateID into the
// error shown to the voter.
func rejection(err error, candidateID string) error {
	var msg string
	switch {
	case errors.Is(err, ledger.ErrDuplicateVote):
		msg = "This voter ID has already cast a vote"
	case errors.Is(err, ledger.ErrUnknownCandidate):
		msg = fmt.Sprintf("Unknown candidate %s, run `votechain candidates` to list them", registry.NormalizeID(candidateID))
	case errors.Is(err, ledger.ErrMalformedInput):
		msg = "Voter ID and candidate ID are required"
	case errors.Is(err, ledger.ErrPersistence):
		msg = fmt.Sprintf("The vote could not be stored, nothing was recorded: %v", err)
	default:
		return err
	}
	return &voteRejection{msg: msg, err: err}
}

var voteCmd = &cobra.Command{
	Use:   "vote <voter-id> <candidate-id>",
	Short: "Cast a vote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		b, err := env.ledger.CastVote(cmd.Context(), args[0], args[1])
		if err != nil {
			return rejection(err, args[1])
		}

		pterm.Success.Printfln("Vote recorded in block %d", b.Index)
		pterm.Info.Printfln("Block hash: %s", b.BlockHash)
		return nil
	},
}

var hasVotedCmd = &cobra.Command{
	Use:   "has-voted <voter-id>",
	Short: "Check whether a voter ID has already cast a vote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		voted, err := env.ledger.HasVoted(args[0])
		if err != nil {
			return err
		}
		if voted {
			pterm.Info.Println("This voter ID has already cast a vote")
		} else {
			pterm.Info.Println("This voter ID has not voted yet")
		}
		return nil
	},
}

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List registered candidates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		data := pterm.TableData{{"ID", "Name"}}
		for _, c := range env.ledger.Candidates() {
			data = append(data, []string{c.ID, c.Name})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var candidatesAddCmd = &cobra.Command{
	Use:   "add <candidate-id> <name>",
	Short: "Register or rename a candidate",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		c, err := env.ledger.AddCandidate(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Registered %s (%s)", c.ID, c.Name)
		return nil
	},
}

var candidatesRemoveCmd = &cobra.Command{
	Use:   "remove <candidate-id>",
	Short: "Unregister a candidate; votes already cast are kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.ledger.RemoveCandidate(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Removed %s", registry.NormalizeID(args[0]))
		return nil
	},
}

var tallyCmd = &cobra.Command{
	Use:   "tally",
	Short: "Count votes per candidate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		return pterm.DefaultTable.WithHasHeader().WithData(standingsTable(env.ledger.Results())).Render()
	},
}

func standingsTable(standings []ledger.Standing) pterm.TableData {
	data := pterm.TableData{{"Candidate", "Name", "Votes", "Share"}}
	for _, s := range standings {
		name := s.Name
		if !s.Registered {
			name = "(unregistered)"
		}
		data = append(data, []string{
			s.CandidateID,
			name,
			strconv.Itoa(s.Votes),
			fmt.Sprintf("%.1f%%", s.Percentage),
		})
	}
	return data
}

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Print the blocks of the chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		return pterm.DefaultTable.WithHasHeader().WithData(chainTable(env.ledger.Chain(), chainLimit)).Render()
	},
}

func chainTable(blocks []block.Block, limit int) pterm.TableData {
	if limit > 0 && limit < len(blocks) {
		blocks = blocks[len(blocks)-limit:]
	}

	data := pterm.TableData{{"Index", "Timestamp", "Voter", "Candidate", "Previous", "Hash"}}
	for _, b := range blocks {
		voter := shortDigest(b.VoterIDHash)
		if b.IsGenesis() {
			voter = "(genesis)"
		}
		data = append(data, []string{
			strconv.FormatUint(b.Index, 10),
			b.Timestamp.UTC().Format(block.TimeFormat),
			voter,
			b.CandidateID,
			shortDigest(b.PreviousHash),
			b.ShortHash(),
		})
	}
	return data
}

func shortDigest(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display ledger status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		info := env.ledger.Info()
		integrity := pterm.LightGreen("intact")
		if !info.Integrity.OK() {
			integrity = pterm.LightRed(info.Integrity.Err().Error())
		}

		body := pterm.Sprintfln("Backend:     %s", env.cfg.Ledger.Backend) +
			pterm.Sprintfln("Algorithm:   %s", info.Algorithm) +
			pterm.Sprintfln("Blocks:      %d (%d votes)", info.Blocks, info.Votes) +
			pterm.Sprintfln("Candidates:  %d", info.Candidates) +
			pterm.Sprintfln("Tip:         #%d %s", info.TipIndex, info.TipHash) +
			pterm.Sprintfln("Merkle root: %s", info.MerkleRoot) +
			pterm.Sprintf("Integrity:   %s", integrity)

		pterm.DefaultBox.WithTitle("|LEDGER|").WithTitleTopCenter().Println(body)
		return nil
	},
}

var receiptCmd = &cobra.Command{
	Use:   "receipt <index>",
	Short: "Print a Merkle inclusion receipt for a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block index %q: %w", args[0], err)
		}

		env, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		receipt, err := env.ledger.Receipt(index)
		if err != nil {
			return err
		}

		if receiptJSON {
			out, err := json.MarshalIndent(receipt, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode receipt: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		pterm.Info.Printfln("Block %d: %s", receipt.Block.Index, receipt.Block.BlockHash)
		pterm.Info.Printfln("Merkle root: %s", receipt.Root)
		pterm.Info.Printfln("Proof steps: %d", len(receipt.Proof.Siblings))
		if receipt.Verify() {
			pterm.Success.Println("Receipt verifies against the root")
		} else {
			pterm.Error.Println("Receipt does not verify")
		}
		return nil
	},
}
