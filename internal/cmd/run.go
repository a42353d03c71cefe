/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package cmd

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"fyne.io/fyne/v2/app"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/intermernet/pitchfilter/internal/config"
	"github.com/intermernet/pitchfilter/internal/filter"
	"github.com/intermernet/pitchfilter/internal/gui"
	"github.com/intermernet/pitchfilter/internal/host"
	"github.com/intermernet/pitchfilter/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Shift live audio from the default duplex device",
	Long: `Run the filter between the default capture and playback devices.

The control listener starts on web_addr:web_port unless --no-listen is
given. Edits to the config file change the listener address while running.`,
	Args: cobra.NoArgs,
	RunE: runFilter,
}

var (
	runGUI      bool
	runPprof    string
	runNoListen bool
	runPitch    float64
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runGUI, "gui", false, "Display GUI")
	runCmd.Flags().StringVar(&runPprof, "pprof", "", "Serve pprof on this address (e.g. localhost:9999)")
	runCmd.Flags().BoolVar(&runNoListen, "no-listen", false, "Do not start the control listener")
	runCmd.Flags().Float64Var(&runPitch, "pitch", 1.0, "Initial pitch ratio")
}

func runFilter(cmd *cobra.Command, _ []string) error {
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

	if _, err := f.SetPitchRatio(runPitch); err != nil {
		return err
	}

	// A listener that cannot bind is logged by the filter; audio still runs.
	if !runNoListen {
		_ = f.StartListener()
	}

	cfgLog := logging.Component(logger, "config")
	watcher, err := config.Watch(cfgLog, func(c *config.Config) {
		if err := applySettings(f, c.Settings()); err != nil {
			cfgLog.Warn().Err(err).Msg("failed to apply listener settings")
		}
	})
	if err != nil {
		cfgLog.Debug().Err(err).Msg("config reload disabled")
	} else {
		defer watcher.Stop()
	}

	if runPprof != "" {
		go func() {
			logger.Info().Str("addr", runPprof).Msg("pprof listening")
			if err := http.ListenAndServe(runPprof, nil); err != nil {
				logger.Warn().Err(err).Msg("pprof server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := host.New(host.Config{
		SampleRate:   filter.DefaultSampleRate,
		Channels:     filter.DefaultChannels,
		PeriodFrames: cfg.Audio.PeriodFrames,
		Periods:      cfg.Audio.Periods,
	}, f, logging.Component(logger, "host"))

	if !runGUI {
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C / Cmd-. to exit")
		err := h.Run(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), "Exiting...")
		return err
	}
	return runWithGUI(ctx, stop, h, f, logger)
}

// runWithGUI runs the audio host in the background and the window on the
// calling goroutine, which fyne requires to be the main one.
func runWithGUI(ctx context.Context, stop func(), h *host.Host, f *filter.Filter, logger zerolog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		err := h.Run(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("audio host failed")
		}
		errc <- err
	}()

	a := app.New()
	p := gui.NewPanel(f, logging.Component(logger, "gui"))
	defer p.Detach()
	p.OnSettingsChanged = func(s filter.Settings) error {
		return config.SaveWeb(s.Addr, s.Port)
	}
	w := gui.NewWindow(a, p)

	go func() {
		<-ctx.Done()
		a.Quit()
	}()
	w.ShowAndRun()

	stop()
	return <-errc
}

// applySettings configures f with s and rebinds a running listener so the
// new address takes effect.
func applySettings(f *filter.Filter, s filter.Settings) error {
	if s == f.Settings() {
		return nil
	}
	f.Configure(s)
	if !f.Listening() {
		return nil
	}
	if err := f.StopListener(); err != nil {
		return err
	}
	return f.StartListener()
}
