/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/intermernet/pitchfilter/internal/config"
	"github.com/intermernet/pitchfilter/internal/filter"
)

var rootCmd = &cobra.Command{
	Use:   "pitchfilter",
	Short: filter.Name,
	Long: `pitchfilter shifts the pitch of live audio without changing its duration.

The pitch ratio can be changed at runtime with an HTTP request:

  curl 'http://localhost:8085/?pitch=1.25'

Ratios are clamped to the range 0.75 to 1.5.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/pitchfilter/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (auto/console/json)")
	bindFlags()
}

// bindFlags binds the global flags to their viper keys
func bindFlags() {
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PITCHFILTER")
	// e.g., PITCHFILTER_ENGINE_FRAME_SIZE for engine.frame_size
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
