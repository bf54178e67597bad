// Command chorus runs a cast of AI personas in Discord channels.
package main

import (
	"os"

	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "chorus",
	Short:   "Multi-persona chat orchestration for Discord",
	Version: version,
	Long: `chorus gives a Discord server a cast of AI personas. They answer when
addressed, banter with each other, notice lulls and react to the room,
all under one shared decision pipeline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c
		logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
		return nil
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, personasCmd, reloadCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chorus failed")
		os.Exit(1)
	}
}
