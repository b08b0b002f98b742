package main

import (
	"fmt"

	"github.com/harunnryd/genba/internal/breaker"

	"github.com/spf13/cobra"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Inspect circuit breakers",
	Long:  `Inspect and reset the per-dependency circuit breakers of a running daemon.`,
}

var breakersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List breaker states",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Breakers []breaker.Snapshot `json:"breakers"`
		}
		if err := newAPIClient(cmd).do("GET", "/api/v1/breakers", nil, &resp); err != nil {
			return err
		}

		fmt.Println(newBreakerTable().Format(resp.Breakers))
		return nil
	},
}

var breakersResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Force a breaker back to CLOSED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(cmd).do("POST", "/api/v1/breakers/"+args[0]+"/reset", nil, nil); err != nil {
			return err
		}

		fmt.Printf("Breaker %s reset\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(breakersCmd)
	breakersCmd.AddCommand(breakersLsCmd, breakersResetCmd)
	addAddrFlag(breakersLsCmd)
	addAddrFlag(breakersResetCmd)
}
