package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pyneda/rodwarden/lib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string
var debugLogging bool
var prettyLogs bool
var logCloser io.Closer

// errInterrupted makes the process exit with the conventional status for SIGINT.
var errInterrupted = errors.New("interrupted")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rodwarden",
	Short: "Supervised headless browser workers for large target lists",
	Long: `rodwarden visits large batches of targets with a single headless browser
worker at a time. The worker is health checked between task groups and
replaced when it is due, degraded or broken. Retired workers are torn down
through an escalating close, signal and kill sequence and their private
profile directories are always removed.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	if errors.Is(err, errInterrupted) {
		os.Exit(130)
	}
	cobra.CheckErr(err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rodwarden.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Use debug level logging")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", term.IsTerminal(int(os.Stderr.Fd())), "Use pretty logging instead JSON (default when stderr is a terminal)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(viper.GetString("logging.console.level"))
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		if debugLogging {
			level = zerolog.DebugLevel
		}
		logFile := ""
		if viper.GetBool("logging.file.enabled") {
			logFile = viper.GetString("logging.file.path")
		}
		logCloser, err = lib.ConfigureLogging(lib.LogConfig{Level: level, Pretty: prettyLogs, File: logFile})
		if err != nil {
			log.Warn().Err(err).Msg("Logging to file disabled")
		}
		return nil
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".rodwarden" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".rodwarden")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
