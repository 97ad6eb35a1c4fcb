package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show daemon and server health",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health == nil {
		return err
	}

	fmt.Printf("mcpgate %s  db=%s  overall=%s\n", health.Version, health.DB, health.Gateway.Overall)
	if len(health.Gateway.Servers) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tNAME\tSTATUS\tFAILURES\tLAST ERROR")
		for _, s := range health.Gateway.Servers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ServerID, s.Name, s.Status, s.FailureCount, s.LastError)
		}
		if ferr := w.Flush(); ferr != nil {
			return ferr
		}
	}
	return err
}
