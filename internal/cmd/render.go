/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/intermernet/pitchfilter/internal/config"
	"github.com/intermernet/pitchfilter/internal/filter"
	"github.com/intermernet/pitchfilter/internal/logging"
	"github.com/intermernet/pitchfilter/internal/render"
)

var renderCmd = &cobra.Command{
	Use:   "render <in.wav> <out.wav>",
	Short: "Shift the pitch of a wav file",
	Long: `Render a wav file through the filter into a 48 kHz stereo wav file.

Input at another sample rate is resampled first. The filter's latency is
flushed with --tail frames of silence (default: the engine frame size).`,
	Args: cobra.ExactArgs(2),
	RunE: runRender,
}

var (
	renderPitch float64
	renderTail  int
)

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().Float64VarP(&renderPitch, "pitch", "p", 1.0, "Pitch ratio (clamped to 0.75-1.5)")
	renderCmd.Flags().IntVar(&renderTail, "tail", 0, "Silent frames appended to flush the engine")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	f, err := filter.New(cfg.Settings(),
		filter.WithLogger(logging.Component(logger, "filter")),
		filter.WithEngineOptions(cfg.EngineOptions()...),
	)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}
	defer f.Close()

	applied, err := f.SetPitchRatio(renderPitch)
	if err != nil {
		return err
	}

	in, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	tail := renderTail
	if tail <= 0 {
		tail = cfg.Engine.FrameSize
	}
	stats, err := render.Render(in, out, f, render.Options{Tail: tail}, logging.Component(logger, "render"))
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rendered %d frames at pitch %.2f to %s\n", stats.Frames, applied, args[1])
	return nil
}
