package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

var roundCmd = []cobra.Command{
	{
		Use:   "start",
		Short: "Start a federated training round",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			roundID, _ := cmd.Flags().GetString("round-id")
			participants, _ := cmd.Flags().GetStringSlice("participants")
			selectK, _ := cmd.Flags().GetInt("select-k")
			quorum, _ := cmd.Flags().GetInt("quorum")
			timeoutS, _ := cmd.Flags().GetInt("timeout-s")

			hyperparams := make(map[string]any)
			if epochs, _ := cmd.Flags().GetInt("epochs"); epochs > 0 {
				hyperparams["epochs"] = epochs
			}
			if lr, _ := cmd.Flags().GetFloat64("learning-rate"); lr > 0 {
				hyperparams["lr"] = lr
			}
			if batchSize, _ := cmd.Flags().GetInt("batch-size"); batchSize > 0 {
				hyperparams["batch_size"] = batchSize
			}

			spec := orchestration.RoundSpec{
				RoundID:      roundID,
				Participants: participants,
				SelectK:      selectK,
				Quorum:       quorum,
				TimeoutS:     timeoutS,
			}
			if len(hyperparams) > 0 {
				spec.Hyperparams = hyperparams
			}

			round, err := coordinatorClient(cmd).StartRound(cmd.Context(), spec)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, round)
		},
	},
	{
		Use:   "status <round_id>",
		Short: "Show the state of one round",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			status, err := coordinatorClient(cmd).RoundStatus(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, status)
		},
	},
	{
		Use:   "list",
		Short: "List training rounds",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			offset, _ := cmd.Flags().GetUint64("offset")
			limit, _ := cmd.Flags().GetUint64("limit")

			page, err := coordinatorClient(cmd).ListRounds(cmd.Context(), offset, limit)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, page)
		},
	},
}

func NewRoundsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "rounds",
		Short: "Federated training rounds",
		Long:  `Start rounds and inspect their progress.`,
	}

	for i := range roundCmd {
		cmd.AddCommand(&roundCmd[i])
	}

	startCmd := &roundCmd[0]
	startCmd.Flags().StringP("round-id", "r", "", "Round identifier (generated when empty)")
	startCmd.Flags().StringSliceP("participants", "p", []string{}, "Explicit participant IDs (alive registry members when empty)")
	startCmd.Flags().IntP("select-k", "k", 0, "Number of participants to select (all candidates when 0)")
	startCmd.Flags().IntP("quorum", "q", 0, "Minimum updates required to aggregate (all members when 0)")
	startCmd.Flags().IntP("timeout-s", "t", 30, "Round timeout in seconds")
	startCmd.Flags().IntP("epochs", "e", 1, "Local training epochs")
	startCmd.Flags().Float64P("learning-rate", "l", 0.01, "Learning rate")
	startCmd.Flags().IntP("batch-size", "b", 16, "Batch size")

	listCmd := &roundCmd[2]
	listCmd.Flags().Uint64P("offset", "o", 0, "List offset")
	listCmd.Flags().Uint64P("limit", "m", 10, "List limit")

	return &cmd
}

func coordinatorClient(cmd *cobra.Command) *Client {
	url, _ := cmd.Flags().GetString("coordinator-url")
	if url == "" {
		url = fmt.Sprintf("http://localhost:%s", defCoordinatorPort)
	}

	return NewClient(url)
}
