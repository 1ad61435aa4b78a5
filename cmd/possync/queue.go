package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var queueJSONOutput bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the pending sale queue",
	Long:  "List queued sales, retry or abandon dead-lettered ones, and read the sync audit log.",
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false,
		"Output in JSON format")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueAbandonCmd)
	queueCmd.AddCommand(queueLogCmd)
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued sales, including dead-lettered ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		sales, err := client.AllSales(context.Background())
		if err != nil {
			return err
		}

		if queueJSONOutput {
			return printJSON(cmd.OutOrStdout(), sales)
		}

		tw := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(tw, "TEMP RECEIPT\tSTATUS\tATTEMPTS\tTOTAL\tCREATED\tLAST ERROR")
		for _, s := range sales {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				s.TempReceipt, s.Status, s.Attempts, s.Total,
				s.CreatedAt.Format("2006-01-02 15:04:05"), s.LastError)
		}
		return tw.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <temp-receipt>",
	Short: "Return a dead-lettered sale to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.RetrySale(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sale %s returned to the pending queue\n", args[0])
		return nil
	},
}

var queueAbandonCmd = &cobra.Command{
	Use:   "abandon <temp-receipt>",
	Short: "Permanently discard a queued sale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.AbandonSale(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sale %s abandoned\n", args[0])
		return nil
	},
}

var queueLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the newest sync audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		entries, err := client.SyncLog(context.Background(), queueLogLimit)
		if err != nil {
			return err
		}

		if queueJSONOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}

		tw := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(tw, "TIME\tACTION\tTEMP RECEIPT\tCYCLE\tDETAILS")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.TempReceipt, e.CycleID, e.Details)
		}
		return tw.Flush()
	},
}

var queueLogLimit int

func init() {
	queueLogCmd.Flags().IntVar(&queueLogLimit, "limit", 50, "Maximum entries to show")
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
