// Package cli implements the puffgres command surface.
//
// Exit codes: 0 success, 1 user error (bad flags, invalid mappings),
// 2 runtime failure (engine fault, unreachable stores).
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucasgelfond/puffgres/cfg"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitUser    = 1
	ExitRuntime = 2
)

// userError marks failures caused by the invocation rather than the
// system.
type userError struct {
	err error
}

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

// usage wraps an error as a user error.
func usage(format string, args ...any) error {
	return &userError{err: fmt.Errorf(format, args...)}
}

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "puffgres",
		Short:         "Mirror Postgres data into turbopuffer namespaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Load(configPath); err != nil {
				return usage("%v", err)
			}
			setupLogging()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "puffgres.toml", "Path to configuration file")

	root.AddCommand(
		newInitCmd(),
		newMigrateCmd(),
		newRunCmd(),
		newBackfillCmd(),
		newStatusCmd(),
		newDLQCmd(),
	)
	return root
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}

	level, err := zerolog.ParseLevel(cfg.Config.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var uerr *userError
		if errors.As(err, &uerr) {
			return ExitUser
		}
		return ExitRuntime
	}
	return ExitOK
}
