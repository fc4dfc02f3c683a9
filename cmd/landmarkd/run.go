package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"landmarkd/internal/app"
	"landmarkd/pkg/types"
)

// progressSteps is the resolution of the terminal progress bar.
const progressSteps = 1000

var runOpts struct {
	Input         string
	Models        string
	Output        string
	IncludeFrames bool
	Smoothing     float64
	Confidence    float64
	Quiet         bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more landmark models over a video and print the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOpts.Input == "" {
			return fmt.Errorf("--input is required")
		}
		modelTypes, err := types.ParseModelTypes(runOpts.Models)
		if err != nil {
			return err
		}
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, logger, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		var bar *progressbar.ProgressBar
		if !runOpts.Quiet {
			bar = newRunBar(os.Stderr)
		}
		req := types.BatchRequest{
			VideoPath:     runOpts.Input,
			ModelTypes:    modelTypes,
			IncludeFrames: runOpts.IncludeFrames,
			Options: types.InferenceOptions{
				SmoothingFactor:     runOpts.Smoothing,
				ConfidenceThreshold: runOpts.Confidence,
			},
		}
		resp, err := a.RunBatch(cmd.Context(), req, func(p types.Progress) {
			if bar == nil {
				return
			}
			bar.Describe(describeProgress(p))
			_ = bar.Set(int(p.Progress * progressSteps))
		})
		if bar != nil {
			_ = bar.Finish()
		}
		if err != nil {
			return err
		}

		out := io.Writer(os.Stdout)
		if runOpts.Output != "" {
			f, err := os.Create(runOpts.Output)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func newRunBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(progressSteps,
		progressbar.OptionSetDescription("landmarkd"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)
}

func describeProgress(p types.Progress) string {
	if p.ModelType == "" {
		return p.CurrentStep
	}
	return fmt.Sprintf("[%s] %s: %s", p.ModelType, p.Phase, p.CurrentStep)
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.Input, "input", "i", "", "Path to a video file or a directory of frames")
	runCmd.Flags().StringVarP(&runOpts.Models, "models", "m", "pose", "Comma-separated model types: pose,hand,face,holistic")
	runCmd.Flags().StringVarP(&runOpts.Output, "output", "o", "", "Write the JSON result to this file instead of stdout")
	runCmd.Flags().BoolVar(&runOpts.IncludeFrames, "include-frames", false, "Include per-frame landmarks in the output")
	runCmd.Flags().Float64Var(&runOpts.Smoothing, "smoothing", 0, "Temporal smoothing factor in [0,1]")
	runCmd.Flags().Float64Var(&runOpts.Confidence, "confidence", 0, "Minimum detection confidence in [0,1]")
	runCmd.Flags().BoolVarP(&runOpts.Quiet, "quiet", "q", false, "Disable the progress bar")
	rootCmd.AddCommand(runCmd)
}
