package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep finished sessions past the retention age",
	Long:  `Asks the running daemon to remove sessions whose tasks are all terminal and older than the retention age.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetString("max-age")

		body := map[string]string{}
		if maxAge != "" {
			body["max_age"] = maxAge
		}

		var resp struct {
			Removed int    `json:"removed"`
			MaxAge  string `json:"max_age"`
		}
		if err := newAPIClient(cmd).do("POST", "/api/v1/sessions/sweep", body, &resp); err != nil {
			return err
		}

		fmt.Printf("Removed %d session(s) older than %s\n", resp.Removed, resp.MaxAge)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().String("max-age", "", "override the configured retention age (e.g. 168h)")
	addAddrFlag(sweepCmd)
}
