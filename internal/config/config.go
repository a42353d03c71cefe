/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/intermernet/pitchfilter/internal/engine"
	"github.com/intermernet/pitchfilter/internal/filter"
	"github.com/intermernet/pitchfilter/internal/logging"
)

// Config is the complete pitchfilter configuration
type Config struct {
	// WebAddr is the address the control listener binds (default: "0.0.0.0")
	WebAddr string `mapstructure:"web_addr"`
	// WebPort is the control listener port, 0-65535 (default: 8085)
	WebPort int           `mapstructure:"web_port"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig holds the pitch engine quality settings. They are read once
// when the filter is created.
type EngineConfig struct {
	// FrameSize is the FFT frame size, a power of 2 (default: 2048)
	FrameSize int `mapstructure:"frame_size"`
	// Oversampling is the number of overlapping frames, a power of 2 (default: 8)
	Oversampling int `mapstructure:"oversampling"`
}

// AudioConfig controls the audio device used by the run command
type AudioConfig struct {
	// PeriodFrames is the device callback size in frames (default: 480)
	PeriodFrames int `mapstructure:"period_frames"`
	// Periods is the number of device periods (default: 3)
	Periods int `mapstructure:"periods"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Format is "auto", "console" or "json" (default: "auto")
	Format string `mapstructure:"format"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		WebAddr: filter.DefaultAddr,
		WebPort: filter.DefaultPort,
		Engine: EngineConfig{
			FrameSize:    engine.DefaultFrameSize,
			Oversampling: engine.DefaultOversampling,
		},
		Audio: AudioConfig{
			PeriodFrames: 480,
			Periods:      3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatAuto,
		},
	}
}

// SetDefaults registers the defaults with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("web_addr", defaults.WebAddr)
	viper.SetDefault("web_port", defaults.WebPort)

	viper.SetDefault("engine.frame_size", defaults.Engine.FrameSize)
	viper.SetDefault("engine.oversampling", defaults.Engine.Oversampling)

	viper.SetDefault("audio.period_frames", defaults.Audio.PeriodFrames)
	viper.SetDefault("audio.periods", defaults.Audio.Periods)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)
}

// mu serializes viper access between the caller, SaveWeb and the Watcher.
var mu sync.Mutex

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	return load()
}

func load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Settings returns the listener settings for a filter
func (c *Config) Settings() filter.Settings {
	return filter.Settings{Addr: c.WebAddr, Port: uint16(c.WebPort)}
}

// EngineOptions returns the engine options for a filter
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithFrameSize(c.Engine.FrameSize),
		engine.WithOversampling(c.Engine.Oversampling),
	}
}

// ConfigDir returns the directory holding the config file
func ConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "pitchfilter")
}

// ConfigFile returns the default config file path
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// SaveWeb persists the listener settings to the config file in use, or to
// the default config file when none was read.
func SaveWeb(addr string, port uint16) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set("web_addr", addr)
	viper.Set("web_port", int(port))

	if used := viper.ConfigFileUsed(); used != "" {
		if _, err := os.Stat(used); err == nil {
			return viper.WriteConfig()
		}
		return writeConfigAs(used)
	}
	return writeConfigAs(ConfigFile())
}

func writeConfigAs(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ErrNoConfigFile is returned by Watch when viper has no config file to watch.
var ErrNoConfigFile = errors.New("no config file in use")

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the config file whenever it is written and passes every
// valid result to its callback. Invalid edits are logged and ignored.
type Watcher struct {
	watcher  *fsnotify.Watcher
	file     string
	log      zerolog.Logger
	onChange func(*Config)
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching the config file viper is using.
func Watch(log zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	mu.Lock()
	file := viper.ConfigFileUsed()
	mu.Unlock()
	if file == "" {
		return nil, ErrNoConfigFile
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are seen too
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	w := &Watcher{
		watcher:  watcher,
		file:     filepath.Clean(file),
		log:      log,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Stop stops the watcher and waits for its goroutine. Calling Stop more than
// once is harmless.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer
	defer debounceTimer.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// A truncating write arrives as several events
			debounceTimer.Reset(reloadDebounce)

		case <-debounceTimer.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	mu.Lock()
	err := viper.ReadInConfig()
	var cfg *Config
	if err == nil {
		cfg, err = load()
	}
	mu.Unlock()

	if err != nil {
		w.log.Warn().Err(err).Str("file", w.file).Msg("ignoring invalid config change")
		return
	}
	w.log.Info().Str("file", w.file).Msg("config reloaded")
	w.onChange(cfg)
}
