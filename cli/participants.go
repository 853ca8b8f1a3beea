package cli

import (
	"github.com/spf13/cobra"
)

var participantCmd = []cobra.Command{
	{
		Use:   "register",
		Short: "Register a training participant",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")

			p, err := coordinatorClient(cmd).RegisterParticipant(cmd.Context(), id, name)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, p)
		},
	},
	{
		Use:   "list",
		Short: "List registered participants",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			offset, _ := cmd.Flags().GetUint64("offset")
			limit, _ := cmd.Flags().GetUint64("limit")

			page, err := coordinatorClient(cmd).ListParticipants(cmd.Context(), offset, limit)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, page)
		},
	},
}

func NewParticipantsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "participants",
		Short: "Training participant registry",
		Long:  ``,
	}

	for i := range participantCmd {
		cmd.AddCommand(&participantCmd[i])
	}

	registerCmd := &participantCmd[0]
	registerCmd.Flags().StringP("id", "i", "", "Participant ID (generated when empty)")
	registerCmd.Flags().StringP("name", "n", "", "Participant name (generated when empty)")

	listCmd := &participantCmd[1]
	listCmd.Flags().Uint64P("offset", "o", 0, "List offset")
	listCmd.Flags().Uint64P("limit", "m", 10, "List limit")

	return &cmd
}
