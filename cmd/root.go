/*
Copyright © 2023 Glossopoeia
*/
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/glossopoeia/glacier/config"
	"github.com/glossopoeia/glacier/runtime"
)

var (
	cfgFile    string
	logLevel   string
	traces     []string
	dumpAlways bool
	showStats  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "glacier <file.bc>",
	Short: "Run a GlacierVM bytecode program",
	Long: `Run a compiled GlacierVM program.

On failure the failure kind and a hex dump of the bytecode, with the byte
under the cursor in brackets, are printed to stderr. The exit code identifies
the failure kind.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFile(cmd, args[0])
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		var exit *exitError
		if !errors.As(err, &exit) {
			fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		}
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is glacier.toml next to the program or in a parent directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.Flags().StringSliceVar(&traces, "trace", nil, "trace channels: values, frames, execution, all (implies --log-level trace)")
	rootCmd.Flags().BoolVar(&dumpAlways, "dump", false, "dump the bytecode even when the program succeeds")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "print heap statistics when the program exits")
}

// exitError carries the machine status of a failed run so Execute can turn it
// into the process exit code.
type exitError struct {
	status runtime.Status
	err    error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return int(exit.status)
	}
	return 1
}

func loadConfig(programDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.FindAndLoad(programDir)
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if len(traces) > 0 {
		if err := cfg.EnableTrace(traces); err != nil {
			return nil, err
		}
		if logLevel == "" {
			cfg.Log.Level = zerolog.LevelTraceValue
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: w, NoColor: !isTerminal(w)}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

func runFile(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig(filepath.Dir(path))
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	stderr := cmd.ErrOrStderr()
	logger := newLogger(stderr, level)
	if cfg.Path != "" {
		logger.Debug().Str("path", cfg.Path).Msg("loaded config")
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	logger.Debug().Str("program", path).Int("bytes", len(code)).Msg("loaded bytecode")

	opts, err := cfg.Options(cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	m, err := runtime.NewMachine(code, opts)
	if err != nil {
		return err
	}

	runErr := m.Run()
	if runErr != nil {
		status := runtime.StatusOf(runErr)
		fmt.Fprintf(stderr, "Terminated unsuccessfully with %s: %v\n", status, runErr)
	}
	if runErr != nil || dumpAlways {
		m.ByteCode().Dump(stderr, isTerminal(stderr))
	}
	if showStats {
		m.Collect()
		fmt.Fprintf(stderr, "heap: %s\n", m.Heap().Stats())
	}
	if runErr != nil {
		return &exitError{status: runtime.StatusOf(runErr), err: runErr}
	}
	logger.Info().Msg("terminated successfully")
	return nil
}
