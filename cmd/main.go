package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/victornm/livequiz/internal/config"
	"github.com/victornm/livequiz/internal/server"
)

func main() {
	log.SetFlags(0)
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var (
		file    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:           "livequiz",
		Short:         "Real-time multiplayer quiz server.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(*cobra.Command, []string) error {
			// A missing .env is fine, the environment may be set some other way.
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}

			c, err := loadConfig(file)
			if err != nil {
				return err
			}

			return run(c)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "config", "c", "", "config file (env: CONFIG_PATH)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

func run(c server.Config) error {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	select {
	case <-shutdown:
	case err = <-errc:
	}

	s.Shutdown()
	return err
}

func loadConfig(file string) (server.Config, error) {
	c := server.DefaultConfig()

	if file == "" {
		file = os.Getenv("CONFIG_PATH")
	}

	if err := config.Load(file, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
