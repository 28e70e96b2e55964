package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yulaomao/coffeeManage/internal/store"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Queue, inspect and acknowledge per-device commands",
}

var deviceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pending and in-flight queue depth per device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		stats, err := newClient().DeviceStats(ctx)
		exitOnError(err)

		if outputJSON {
			printJSON(stats)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tPENDING\tINFLIGHT")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\n", s.DeviceID, s.Pending, s.Inflight)
		}
		w.Flush()
		return nil
	},
}

var (
	enqueuePayload     string
	enqueueNote        string
	enqueueMaxAttempts int
)

var deviceEnqueueCmd = &cobra.Command{
	Use:   "enqueue <device-id> <command-type>",
	Short: "Queue a single command for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(enqueuePayload)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		res, err := newClient().Enqueue(ctx, store.EnqueueRequest{
			DeviceID:    args[0],
			Type:        args[1],
			Payload:     payload,
			Note:        enqueueNote,
			MaxAttempts: enqueueMaxAttempts,
		})
		exitOnError(err)

		if outputJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("Command %s queued for %s\n", res.CommandID, res.DeviceID)
		return nil
	},
}

var deviceListLimit int

var deviceListCmd = &cobra.Command{
	Use:   "list <device-id>",
	Short: "List a device's commands, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		cmds, err := newClient().ListByDevice(ctx, args[0], deviceListLimit)
		exitOnError(err)

		if outputJSON {
			printJSON(cmds)
			return nil
		}
		printCommands(cmds)
		return nil
	},
}

var deviceGetCmd = &cobra.Command{
	Use:   "get <device-id> <command-id>",
	Short: "Show one command",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		c, err := newClient().GetCommand(ctx, args[0], args[1])
		exitOnError(err)
		printJSON(c)
		return nil
	},
}

var deviceClaimLimit int

var deviceClaimCmd = &cobra.Command{
	Use:   "claim <device-id>",
	Short: "Claim pending commands as the device would",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		cmds, err := newClient().Claim(ctx, args[0], deviceClaimLimit)
		exitOnError(err)

		if outputJSON {
			printJSON(cmds)
			return nil
		}
		if len(cmds) == 0 {
			fmt.Println("No pending commands")
			return nil
		}
		printCommands(cmds)
		return nil
	},
}

var (
	ackResult string
	ackError  string
)

var deviceAckCmd = &cobra.Command{
	Use:   "ack <device-id> <command-id> <success|fail>",
	Short: "Report a command outcome",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := readPayload(ackResult)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		ok, err := newClient().Ack(ctx, args[0], args[1], args[2], result, ackError)
		exitOnError(err)
		if !ok {
			fmt.Printf("Command %s ignored the ack (unknown or already finished)\n", args[1])
			return nil
		}
		fmt.Printf("Command %s marked %s\n", args[1], args[2])
		return nil
	},
}

func printCommands(cmds []store.Command) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tTYPE\tSTATUS\tATTEMPTS\tISSUED\tSENT\tBATCH\tLAST ERROR")
	for _, c := range cmds {
		issued := c.IssuedAt
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\t%s\n",
			c.ID, c.Type, c.Status, c.Attempts, c.MaxAttempts,
			formatTime(&issued), formatTime(c.SentAt), orDash(c.BatchID), orDash(c.LastError))
	}
	w.Flush()
}

func init() {
	deviceEnqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload or @file")
	deviceEnqueueCmd.Flags().StringVar(&enqueueNote, "note", "", "Free-form note")
	deviceEnqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "Delivery attempts (default 3)")
	deviceListCmd.Flags().IntVar(&deviceListLimit, "limit", store.DefaultDeviceListLimit, "Max commands to list")
	deviceClaimCmd.Flags().IntVar(&deviceClaimLimit, "limit", 1, "Max commands to claim (1-20)")
	deviceAckCmd.Flags().StringVar(&ackResult, "result", "", "JSON result payload or @file")
	deviceAckCmd.Flags().StringVar(&ackError, "error", "", "Error message for a failed command")

	deviceCmd.AddCommand(deviceStatsCmd, deviceEnqueueCmd, deviceListCmd, deviceGetCmd, deviceClaimCmd, deviceAckCmd)
	addClientFlags(deviceCmd)
	rootCmd.AddCommand(deviceCmd)
}
