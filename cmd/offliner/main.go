// Command offliner keeps a library of HTML and PDF documents consistent
// across machines that exchange their operation logs out of band.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offliner/internal/config"
	"github.com/TheMichaelB/offliner/internal/env"
	"github.com/TheMichaelB/offliner/internal/events"
)

var (
	// Global flags
	cfgFile    string
	rootDir    string
	logLevel   string
	jsonOutput bool

	// Global instances
	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "offliner",
	Short: "Offline-first document library sync",
	Long: `Offliner tracks HTML and PDF documents under a library root and
merges the edits made on several machines.

Machines never talk to each other directly. Each one keeps its operation
log in <root>/.machines/<machine-id>.json. Copy the other machines' records
into this machine's .machines directory with any shared folder or removable
drive, then run "offliner sync". Never copy a machine's own record onto
it: an older copy replaces history that only that machine holds.`,
	PersistentPreRunE: initialize,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default: ./offliner.json, ~/.config/offliner/config.json)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "",
		"Library root directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logger != nil {
		logger.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func initialize(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	v := loader.Viper()
	if err := v.BindPFlag("library.root", cmd.Flags().Lookup("root")); err != nil {
		return err
	}
	if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
		return err
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	if f := loader.ConfigFile(); f != "" {
		logger.WithField("file", f).Debug("Loaded configuration")
	}

	return nil
}

// openEnv opens the library configured for this invocation. The caller
// must Close it.
func openEnv(cmd *cobra.Command) (*env.Env, error) {
	ctx := events.WithLogger(cmd.Context(), logger)
	return env.New(ctx, env.Options{Config: cfg, Logger: logger})
}
