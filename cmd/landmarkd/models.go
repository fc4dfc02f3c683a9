package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"landmarkd/internal/admission"
	"landmarkd/internal/app"
	"landmarkd/pkg/types"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the known model types",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, logger, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		return printModels(os.Stdout, a.ListModels())
	},
}

func printModels(w io.Writer, models []types.ModelConfig) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tNAME\tLANDMARKS\tMEMORY_MB\tASSET")
	for _, m := range models {
		asset := m.AssetPath
		if asset == "" {
			asset = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", m.Type, m.Name, m.LandmarkCount, m.MemoryMB, asset)
	}
	return tw.Flush()
}

var admitOpts struct {
	CostMB int
}

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "Check whether a memory cost fits the current budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		if admitOpts.CostMB < 0 {
			return fmt.Errorf("--cost-mb must be >= 0")
		}
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		ctl := admission.New(admission.Config{
			ThresholdMB:      cfg.MemoryBudgetMB,
			HeadroomFraction: cfg.HeadroomFraction,
			Stats:            admission.DefaultStats(),
		})
		d := ctl.CanAdmit(admitOpts.CostMB)
		return printDecision(os.Stdout, d)
	},
}

func printDecision(w io.Writer, d admission.Decision) error {
	if d.Allowed {
		fmt.Fprintf(w, "allowed: %d MB requested, %d of %d MB in use\n", d.RequestedMB, d.UsedMB, d.ThresholdMB)
		return nil
	}
	fmt.Fprintf(w, "denied: %s\n", d.Reason)
	for _, s := range d.Suggestions {
		fmt.Fprintf(w, "  - %s\n", s)
	}
	return fmt.Errorf("admission denied")
}

func init() {
	admitCmd.Flags().IntVar(&admitOpts.CostMB, "cost-mb", 0, "Memory cost to check, in MB")
	rootCmd.AddCommand(modelsCmd, admitCmd)
}
