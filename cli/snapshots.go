package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

var snapshotCmd = []cobra.Command{
	{
		Use:   "get <version>",
		Short: "Fetch one model snapshot by version",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			snapshot, err := coordinatorClient(cmd).GetSnapshot(cmd.Context(), version)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, snapshot)
		},
	},
	{
		Use:   "latest",
		Short: "Fetch the latest model snapshot",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			snapshot, err := coordinatorClient(cmd).LatestSnapshot(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, snapshot)
		},
	},
	{
		Use:   "list",
		Short: "List published snapshot versions",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			versions, err := coordinatorClient(cmd).SnapshotVersions(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, map[string][]int{"versions": versions})
		},
	},
}

func NewSnapshotsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "snapshots",
		Short: "Versioned global model snapshots",
		Long:  ``,
	}

	for i := range snapshotCmd {
		cmd.AddCommand(&snapshotCmd[i])
	}

	return &cmd
}
