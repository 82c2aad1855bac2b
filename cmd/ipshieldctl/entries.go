package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lfrfrfr/beon-ipshield/internal/app"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

var (
	blockCIDR      string
	blockReason    string
	blockSeverity  string
	blockDuration  time.Duration
	blockPermanent bool
	blockNotes     string
	blockBy        string

	unblockReason string
	unblockActor  string

	listPage     int
	listLimit    int
	listSeverity string
	listReason   string
	listInactive bool
)

var blockCmd = &cobra.Command{
	Use:   "block <ip>",
	Short: "Block an IP address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := models.BlockParams{
			IP:        args[0],
			CIDRRange: blockCIDR,
			Permanent: blockPermanent,
			Notes:     blockNotes,
			AddedBy:   blockBy,
		}
		if blockReason != "" {
			reason, err := models.ParseBlockReason(blockReason)
			if err != nil {
				return err
			}
			params.Reason = reason
		}
		if blockSeverity != "" {
			sev, err := models.ParseSeverity(blockSeverity)
			if err != nil {
				return err
			}
			params.Severity = sev
		}
		if blockDuration > 0 {
			params.Duration = &blockDuration
		}

		return withApp(func(ctx context.Context, a *app.App) error {
			entry, err := a.Blocker.ManualBlock(ctx, params)
			if err != nil {
				return err
			}
			return printJSON(entry)
		})
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <ip>",
	Short: "Deactivate the block entry of an IP address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			ok, err := a.Blocker.Unblock(ctx, args[0], unblockReason, unblockActor)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", args[0], models.ErrEntryNotFound)
			}
			fmt.Println("OK")
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <ip>",
	Short: "Show whether an IP address is blocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			entry, err := a.Blocker.Entry(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(entry)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List block entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := models.ListFilter{Page: listPage, Limit: listLimit, IncludeInactive: listInactive}
		if listSeverity != "" {
			sev, err := models.ParseSeverity(listSeverity)
			if err != nil {
				return err
			}
			filter.Severity = sev
		}
		if listReason != "" {
			reason, err := models.ParseBlockReason(listReason)
			if err != nil {
				return err
			}
			filter.Reason = reason
		}

		return withApp(func(ctx context.Context, a *app.App) error {
			page, err := a.Blocker.ListEntries(ctx, filter)
			if err != nil {
				return err
			}
			if len(page.Entries) == 0 {
				fmt.Println("(empty)")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IP\tCIDR\tREASON\tSEVERITY\tATTACKS\tACTIVE\tEXPIRES")
			for _, e := range page.Entries {
				expires := "never"
				if e.ExpiresAt != nil {
					expires = e.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
					e.IP, e.CIDRRange, e.Reason, e.Severity, e.AttackCount, e.Active, expires)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("page %d, %d of %d entries\n", page.Page, len(page.Entries), page.Total)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(blockCmd, unblockCmd, checkCmd, listCmd)

	blockCmd.Flags().StringVar(&blockCIDR, "cidr", "", "also block this CIDR range")
	blockCmd.Flags().StringVar(&blockReason, "reason", "", "block reason (default manual_block)")
	blockCmd.Flags().StringVar(&blockSeverity, "severity", "", "severity: low, medium, high or critical (default medium)")
	blockCmd.Flags().DurationVar(&blockDuration, "duration", 0, "block duration; omit for a permanent block")
	blockCmd.Flags().BoolVar(&blockPermanent, "permanent", false, "never expire")
	blockCmd.Flags().StringVar(&blockNotes, "notes", "", "free-form notes")
	blockCmd.Flags().StringVar(&blockBy, "by", "cli", "actor recorded as added_by")

	unblockCmd.Flags().StringVar(&unblockReason, "reason", "", "audit reason")
	unblockCmd.Flags().StringVar(&unblockActor, "actor", "cli", "actor recorded in the audit note")

	listCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	listCmd.Flags().IntVar(&listLimit, "limit", models.DefaultPageSize, "entries per page")
	listCmd.Flags().StringVar(&listSeverity, "severity", "", "only entries of this severity")
	listCmd.Flags().StringVar(&listReason, "reason", "", "only entries with this reason")
	listCmd.Flags().BoolVar(&listInactive, "inactive", false, "include inactive and expired entries")
}
