package cmd

import (
	"github.com/pyneda/rodwarden/internal/config"

	"github.com/rs/zerolog/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	dumpconfigPath  string
	dumpconfigForce bool
)

// dumpconfigCmd represents the dumpconfig command
var dumpconfigCmd = &cobra.Command{
	Use:   "dumpconfig",
	Short: "Write the default configuration to a file",
	Long: `Writes every configuration key with its default value. The result can be
placed in /etc/rodwarden/, the working directory or passed with --config.
Every key can also be set through a RODWARDEN_ prefixed environment variable,
e.g. RODWARDEN_SUPERVISOR_CONCURRENCY=4.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config.SetDefaultConfig()
		write := viper.SafeWriteConfigAs
		if dumpconfigForce {
			write = viper.WriteConfigAs
		}
		if err := write(dumpconfigPath); err != nil {
			return err
		}
		log.Info().Str("path", dumpconfigPath).Msg("Config file written")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpconfigCmd)
	dumpconfigCmd.Flags().StringVarP(&dumpconfigPath, "output", "o", "config.yaml", "Where to write the configuration")
	dumpconfigCmd.Flags().BoolVar(&dumpconfigForce, "force", false, "Overwrite an existing file")
}
