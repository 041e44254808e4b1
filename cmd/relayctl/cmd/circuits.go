package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/claimrelay/internal/circuit"
)

var circuitsCmd = &cobra.Command{
	Use:     "circuits",
	Aliases: []string{"circuit"},
	Short:   "Inspect and reset circuit breakers",
	Long:    `List breaker state for every dependency and callback host, or force one closed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return circuitsListCmd.RunE(cmd, args)
	},
}

var circuitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List circuit breakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Circuits []circuit.Snapshot `json:"circuits"`
		}
		if err := doRequest(ctx, "GET", "/v1/circuits", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list circuits: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		out := cmd.OutOrStdout()
		if len(resp.Circuits) == 0 {
			fmt.Fprintln(out, "No circuits registered")
			return nil
		}
		for _, s := range resp.Circuits {
			fmt.Fprintf(out, "%-32s %-10s failures=%d", s.Name, s.State, s.ConsecutiveFailures)
			if !s.OpenedAt.IsZero() {
				fmt.Fprintf(out, " opened=%s", formatTime(s.OpenedAt))
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var circuitsResetCmd = &cobra.Command{
	Use:   "reset [name]",
	Short: "Force a circuit breaker closed",
	Long: `Force a circuit breaker back to closed.

Example:
  relayctl circuits reset firm_data`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp map[string]string
		if err := doRequest(ctx, "POST", "/v1/circuits/"+url.PathEscape(args[0])+"/reset", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to reset circuit: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Circuit %s is %s\n", resp["name"], resp["state"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(circuitsCmd)
	circuitsCmd.AddCommand(circuitsListCmd)
	circuitsCmd.AddCommand(circuitsResetCmd)
}
