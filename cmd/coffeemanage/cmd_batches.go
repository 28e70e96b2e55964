package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yulaomao/coffeeManage/internal/store"
	"github.com/yulaomao/coffeeManage/pkg/client"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Dispatch and manage command batches",
}

var (
	batchDevices        []string
	batchDevicesFile    string
	batchPayload        string
	batchTag            string
	batchNote           string
	batchDedupKey       string
	batchMaxConcurrency int
	batchMaxAttempts    int
)

var batchCreateCmd = &cobra.Command{
	Use:   "create <command-type>",
	Short: "Dispatch one command to many devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := collectDevices(batchDevices, batchDevicesFile)
		if err != nil {
			return err
		}
		payload, err := readPayload(batchPayload)
		if err != nil {
			return err
		}
		req := store.CreateBatchRequest{
			Type:      args[0],
			DeviceIDs: devices,
			Payload:   payload,
			Tag:       batchTag,
			Note:      batchNote,
			DedupKey:  batchDedupKey,
			Options:   store.BatchOptions{MaxAttempts: batchMaxAttempts},
		}
		if cmd.Flags().Changed("max-concurrency") {
			n := batchMaxConcurrency
			req.Options.MaxConcurrency = &n
		}

		ctx, cancel := cmdContext(cmd)
		defer cancel()
		res, err := newClient().Dispatch(ctx, req)
		exitOnError(err)

		if outputJSON {
			printJSON(res)
			return nil
		}
		if res.Existing {
			fmt.Printf("Batch %s already exists for dedup key (%d devices)\n", res.BatchID, res.Count)
			return nil
		}
		fmt.Printf("Batch %s dispatched to %d devices\n", res.BatchID, res.Count)
		return nil
	},
}

// collectDevices merges --device flags with one-per-line ids from a file.
func collectDevices(flagged []string, path string) ([]string, error) {
	out := append([]string(nil), flagged...)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read devices file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --device or --devices-file entry is required")
	}
	return out, nil
}

var (
	listType     string
	listStatus   string
	listCreator  string
	listTag      string
	listQuery    string
	listSince    time.Duration
	listPage     int
	listPageSize int
)

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := client.ListBatchesParams{
			Type:     listType,
			Status:   listStatus,
			Creator:  listCreator,
			Tag:      listTag,
			Query:    listQuery,
			Page:     listPage,
			PageSize: listPageSize,
		}
		if listSince > 0 {
			from := time.Now().Add(-listSince)
			p.From = &from
		}

		ctx, cancel := cmdContext(cmd)
		defer cancel()
		page, err := newClient().ListBatches(ctx, p)
		exitOnError(err)

		if outputJSON {
			printJSON(page)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BATCH\tTYPE\tSTATUS\tTOTAL\tPENDING\tSENT\tSUCCESS\tFAIL\tCANCELED\tPAUSED\tCREATED")
		for _, b := range page.Items {
			paused := ""
			if b.Paused {
				paused = "yes"
			}
			created := b.CreatedAt
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
				b.ID, b.Type, b.Status, b.CountTotal,
				b.Counts.Pending, b.Counts.Sent, b.Counts.Success, b.Counts.Fail, b.Counts.Canceled,
				paused, formatTime(&created),
			)
		}
		w.Flush()
		fmt.Printf("\npage %d, %d of %d batches\n", page.Page, len(page.Items), page.Total)
		return nil
	},
}

var batchGetCmd = &cobra.Command{
	Use:   "get <batch-id>",
	Short: "Show a batch with live status counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		view, err := newClient().GetBatch(ctx, args[0])
		exitOnError(err)

		if outputJSON {
			printJSON(view)
			return nil
		}

		b := view.Info
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Batch:\t%s\n", b.ID)
		fmt.Fprintf(w, "Type:\t%s\n", b.Type)
		fmt.Fprintf(w, "Status:\t%s\n", b.Status)
		fmt.Fprintf(w, "Paused:\t%t\n", b.Paused)
		fmt.Fprintf(w, "Creator:\t%s\n", orDash(b.Creator))
		fmt.Fprintf(w, "Tag:\t%s\n", orDash(b.Tag))
		fmt.Fprintf(w, "Created:\t%s\n", formatTime(&b.CreatedAt))
		if b.MaxConcurrency != nil {
			fmt.Fprintf(w, "Max concurrency:\t%d\n", *b.MaxConcurrency)
		}
		fmt.Fprintf(w, "Members:\t%d\n", view.MemberCount)
		fmt.Fprintf(w, "Counts:\tpending=%d sent=%d success=%d fail=%d canceled=%d\n",
			view.Counts.Pending, view.Counts.Sent, view.Counts.Success, view.Counts.Fail, view.Counts.Canceled)
		w.Flush()
		return nil
	},
}

var (
	itemsStatus   string
	itemsDevice   string
	itemsPage     int
	itemsPageSize int
)

var batchItemsCmd = &cobra.Command{
	Use:   "items <batch-id>",
	Short: "List the per-device items of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		f := store.ItemFilter{Status: itemsStatus, DeviceID: itemsDevice}
		page, err := newClient().ListBatchItems(ctx, args[0], f, itemsPage, itemsPageSize)
		exitOnError(err)

		if outputJSON {
			printJSON(page)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ITEM\tDEVICE\tSTATUS\tATTEMPTS\tISSUED\tLAST ERROR")
		for _, it := range page.Items {
			issued := time.Unix(it.IssuedTS, 0)
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				it.ItemID, it.DeviceID, it.Status, it.Attempts, formatTime(&issued), orDash(it.LastError))
		}
		w.Flush()
		fmt.Printf("\npage %d, %d of %d items\n", page.Page, len(page.Items), page.Total)
		return nil
	},
}

var (
	exportFormat string
	exportOut    string
)

var batchExportCmd = &cobra.Command{
	Use:   "export <batch-id>",
	Short: "Export batch items as csv or json",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		data, err := newClient().ExportBatchItems(ctx, args[0], exportFormat)
		exitOnError(err)

		if exportOut == "" || exportOut == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOut, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(data), exportOut)
		return nil
	},
}

var batchRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed <batch-id>",
	Short: "Requeue every failed item of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		n, err := newClient().RetryFailed(ctx, args[0])
		exitOnError(err)
		fmt.Printf("Batch %s: %d failed items requeued\n", args[0], n)
		return nil
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel every pending or sent item of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		n, err := newClient().CancelBatch(ctx, args[0])
		exitOnError(err)
		fmt.Printf("Batch %s canceled (%d items)\n", args[0], n)
		return nil
	},
}

var batchPauseCmd = &cobra.Command{
	Use:   "pause <batch-id>",
	Short: "Stop devices from claiming items of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		exitOnError(newClient().PauseBatch(ctx, args[0]))
		fmt.Printf("Batch %s paused\n", args[0])
		return nil
	},
}

var batchResumeCmd = &cobra.Command{
	Use:   "resume <batch-id>",
	Short: "Resume a paused batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		exitOnError(newClient().ResumeBatch(ctx, args[0]))
		fmt.Printf("Batch %s resumed\n", args[0])
		return nil
	},
}

var batchConcurrencyCmd = &cobra.Command{
	Use:   "concurrency <batch-id> <n>",
	Short: "Record a batch's max concurrency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n int
		if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
			return fmt.Errorf("invalid concurrency %q", args[1])
		}
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		exitOnError(newClient().SetConcurrency(ctx, args[0], n))
		fmt.Printf("Batch %s max concurrency set to %d\n", args[0], n)
		return nil
	},
}

var batchRetryItemCmd = &cobra.Command{
	Use:   "retry-item <batch-id> <item-id>",
	Short: "Requeue a single batch item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		exitOnError(newClient().RetryItem(ctx, args[0], args[1]))
		fmt.Printf("Item %s requeued\n", args[1])
		return nil
	},
}

func init() {
	batchCreateCmd.Flags().StringSliceVarP(&batchDevices, "device", "d", nil, "Target device id (repeatable or comma separated)")
	batchCreateCmd.Flags().StringVar(&batchDevicesFile, "devices-file", "", "File with one device id per line")
	batchCreateCmd.Flags().StringVar(&batchPayload, "payload", "", "JSON payload or @file")
	batchCreateCmd.Flags().StringVar(&batchTag, "tag", "", "Batch tag")
	batchCreateCmd.Flags().StringVar(&batchNote, "note", "", "Free-form note")
	batchCreateCmd.Flags().StringVar(&batchDedupKey, "dedup-key", "", "Return the existing batch when this key was used before")
	batchCreateCmd.Flags().IntVar(&batchMaxConcurrency, "max-concurrency", 0, "Recorded max concurrency")
	batchCreateCmd.Flags().IntVar(&batchMaxAttempts, "max-attempts", 0, "Delivery attempts per item (default 3)")

	batchListCmd.Flags().StringVar(&listType, "type", "", "Filter by command type")
	batchListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by batch status (queued, canceled, paused)")
	batchListCmd.Flags().StringVar(&listCreator, "creator", "", "Filter by creator")
	batchListCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag")
	batchListCmd.Flags().StringVarP(&listQuery, "query", "q", "", "Case-insensitive text search over the batch record")
	batchListCmd.Flags().DurationVar(&listSince, "since", 0, "Only batches created within this window")
	batchListCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	batchListCmd.Flags().IntVar(&listPageSize, "page-size", store.DefaultBatchPageSize, "Page size")

	batchItemsCmd.Flags().StringVar(&itemsStatus, "status", "", "Filter by item status")
	batchItemsCmd.Flags().StringVar(&itemsDevice, "device", "", "Filter by device id")
	batchItemsCmd.Flags().IntVar(&itemsPage, "page", 1, "Page number")
	batchItemsCmd.Flags().IntVar(&itemsPageSize, "page-size", store.DefaultBatchPageSize, "Page size")

	batchExportCmd.Flags().StringVar(&exportFormat, "format", store.ExportCSV, "Export format (csv, json)")
	batchExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")

	batchCmd.AddCommand(
		batchCreateCmd, batchListCmd, batchGetCmd, batchItemsCmd, batchExportCmd,
		batchRetryFailedCmd, batchCancelCmd, batchPauseCmd, batchResumeCmd,
		batchConcurrencyCmd, batchRetryItemCmd,
	)
	addClientFlags(batchCmd)
	rootCmd.AddCommand(batchCmd)
}
