package cli

import "github.com/spf13/cobra"

const defCoordinatorPort = "7070"

// NewRootCmd assembles the CLI tree. The coordinator URL is a
// persistent flag so every subcommand can reach the API.
func NewRootCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "quantumfed-cli",
		Short: "Federated training coordinator CLI",
		Long:  `Control plane client for starting rounds, inspecting snapshots and managing participants.`,
	}

	cmd.PersistentFlags().StringP("coordinator-url", "u", "http://localhost:"+defCoordinatorPort, "Coordinator API base URL")

	cmd.AddCommand(NewRoundsCmd())
	cmd.AddCommand(NewSnapshotsCmd())
	cmd.AddCommand(NewParticipantsCmd())

	return &cmd
}
