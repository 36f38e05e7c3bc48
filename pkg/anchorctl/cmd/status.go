package cmd

import (
	"context"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Gets the health of a running anchor service",
	Long:  `Gets the health of a running anchor service`,
	RunE:  displayStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func displayStatus(cmd *cobra.Command, _ []string) error {
	h, err := client().Health(context.Background())
	if err != nil {
		return err
	}

	tab := tabwriter.NewWriter(os.Stdout, 10, 4, 3, ' ', 0)
	cmd.SetOut(tab)

	cmd.Println("COMPONENT\tSTATUS\tDETAIL")
	cmd.Print("recordStore\t", h.RecordStore.Status, "\t", h.RecordStore.Error, "\n")
	cmd.Print("ledger\t", h.Ledger.Status, "\t", "head ", h.Ledger.Head, " ", h.Ledger.Error, "\n")
	cmd.Print("blob\t", h.Blob.Status, "\t", "queue ", h.Blob.QueueDepth, "\n")
	for _, p := range h.Blob.Providers {
		state := "up"
		if !p.Available {
			state = "down"
		}
		cmd.Print("  ", p.Name, "\t", state, "\t", p.LastLatency, "ms\n")
	}
	_ = tab.Flush()

	cmd.SetOut(os.Stdout)
	cmd.Printf("\nOverall: %s, pending operations: %d\n", h.Status, h.Pending)
	return nil
}
