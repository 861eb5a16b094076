package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pyroscope-io/nodespy/pkg/cli"
	"github.com/pyroscope-io/nodespy/pkg/connect"
)

// connectCmd attaches to a running node process and profiles it until
// interrupted.
var connectCmd = &cobra.Command{
	Use:   "connect [flags]",
	Short: "starts continuous profiling of a running node process",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Connect.Config != "" {
			// Use config file from the flag.
			viper.SetConfigFile(cfg.Connect.Config)

			// If a config file is found, read it in.
			if err := viper.ReadInConfig(); err == nil {
				fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
			}

			if err := viper.Unmarshal(&cfg.Connect); err != nil {
				fmt.Fprintln(os.Stderr, "Unable to unmarshal:", err)
			}
		}

		c, err := connect.New(&cfg.Connect)
		if err != nil {
			return err
		}
		return c.Run()
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)

	cli.PopulateFlagSet(&cfg.Connect, connectCmd.Flags())
	_ = viper.BindPFlags(connectCmd.Flags())

	if err := viper.Unmarshal(&cfg.Connect); err != nil {
		fmt.Fprintln(os.Stderr, "Unable to unmarshal:", err)
	}
}
