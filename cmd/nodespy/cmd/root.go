package cmd

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pyroscope-io/nodespy/pkg/config"
)

var cfg config.Config

// version is set at build time via -ldflags.
var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "nodespy [flags] <subcommand>",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Version || len(args) > 0 && args[0] == "version" {
			fmt.Println("nodespy", version)
		} else {
			_ = cmd.Usage()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000",
		FullTimestamp:   true,
	})

	viper.SetEnvPrefix("NODESPY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	rootCmd.Flags().BoolVar(&cfg.Version, "version", false, "print nodespy version details")
}
