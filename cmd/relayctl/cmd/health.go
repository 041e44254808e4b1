package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/claimrelay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long:  `Check the ingest service and the dependencies it reports on (Redis, Postgres, nsqd).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var st health.Status
		err := doRequest(ctx, "GET", "/healthz", nil, nil, &st)
		if outputJSON && err == nil {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		out := cmd.OutOrStdout()
		if err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		for name, result := range st.Checks {
			fmt.Fprintf(out, "  %s: %s\n", name, result)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
