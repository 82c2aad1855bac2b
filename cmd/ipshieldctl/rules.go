package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lfrfrfr/beon-ipshield/internal/config"
	"github.com/lfrfrfr/beon-ipshield/internal/rules"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect block rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective rule set",
	RunE: func(cmd *cobra.Command, args []string) error {
		var set []*models.Rule
		if cfg.Blocking.SeedDefaultRules {
			set = rules.DefaultRules()
		}
		if cfg.Blocking.RulesPath != "" {
			loaded, err := config.LoadRules(cfg.Blocking.RulesPath)
			if err != nil {
				return err
			}
			set = merge(set, loaded)
		}
		return printRules(set)
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a rules file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadRules(args[0])
		if err != nil {
			return err
		}
		for _, r := range loaded {
			if err := rules.CheckWindow(r, cfg.Blocking.HistoryRetention); err != nil {
				return err
			}
		}
		fmt.Printf("%d rules OK\n", len(loaded))
		return nil
	},
}

// merge applies overrides on top of base, replacing rules with the same id
func merge(base, overrides []*models.Rule) []*models.Rule {
	out := append([]*models.Rule(nil), base...)
	for _, r := range overrides {
		replaced := false
		for i, existing := range out {
			if existing.ID == r.ID {
				out[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, r)
		}
	}
	return out
}

func printRules(set []*models.Rule) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENABLED\tSEVERITY\tTHRESHOLD\tWINDOW\tDURATION\tESCALATION")
	for _, r := range set {
		duration := "permanent"
		if r.BlockDuration != nil {
			duration = r.BlockDuration.String()
		}
		escalation := "-"
		if r.Escalation.Enabled {
			escalation = fmt.Sprintf("%d -> %s", r.Escalation.Threshold, r.Escalation.Severity)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Enabled, r.Severity, r.AutoBlockThreshold, r.TimeWindow, duration, escalation)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesValidateCmd)
}
