package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/supervisor/internal/log"
	"github.com/CZERTAINLY/supervisor/internal/model"
	"github.com/CZERTAINLY/supervisor/internal/service"
	"github.com/CZERTAINLY/supervisor/internal/status"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var (
	configPath string       // actual config file used (if loaded)
	config     model.Config // effective configuration

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

// exitCodeError carries the exit code of a child to main
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string {
	return e.err.Error()
}

func (e exitCodeError) Unwrap() error {
	return e.err
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load, overridden by $SUPERVISORCONFIG")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	addConfigFlags(runCmd.Flags())
	addConfigFlags(configCmd.Flags())

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, setup logging
	rootCmd.PersistentPreRunE = initSupervisor

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var codeErr exitCodeError
	if errors.As(err, &codeErr) {
		slog.Warn("supervisor finished", "error", err, "exit_code", codeErr.code)
		if codeErr.code < 0 || codeErr.code > 255 {
			return 1
		}
		return codeErr.code
	}
	slog.Error("supervisor failed", "err", err)
	return 1
}

var rootCmd = &cobra.Command{
	Use:          "supervisor",
	Short:        "Starts programs in order and supervises them until they exit",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] [--] <child-spec>...",
	Short: "run launches children given as [name=]command args... or in the config file",
	Example: `  supervisor run --delay 3s "web=python main.py" "bot=python bot_runner.py"
  supervisor run --config supervisor.yaml`,
	RunE: doRun,
}

var configCmd = &cobra.Command{
	Use:   "config [flags] [--] <child-spec>...",
	Short: "config prints the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a supervisor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("supervisor: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("supervisor: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	runID := uuid.NewString()
	attrs := slog.Group("supervisor",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
		slog.String("run_id", runID),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	supervisor, err := service.NewSupervisor(config)
	if err != nil {
		return err
	}

	var report service.Report
	var runErr error
	g, gctx := errgroup.WithContext(ctx)
	statusCtx, stopStatus := context.WithCancel(gctx)
	defer stopStatus()

	g.Go(func() error {
		defer stopStatus()
		report, runErr = supervisor.Do(ctx)
		return nil
	})
	if config.Status != nil && config.Status.Addr != "" {
		srv := status.New(runID, supervisor.Set())
		g.Go(func() error {
			err := srv.ListenAndServe(statusCtx, config.Status.Addr)
			if err != nil {
				slog.ErrorContext(ctx, "status endpoint failed", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines do not return an error

	if runErr != nil {
		return runErr
	}
	if err := report.Err(); err != nil {
		return exitCodeError{code: report.ExitCode(), err: err}
	}
	return nil
}

func initSupervisor(cmd *cobra.Command, args []string) error {
	if envConfig, ok := os.LookupEnv("SUPERVISORCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	}

	cfg := model.DefaultConfig()
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if cmd.Flags().Lookup("delay") != nil {
		if err := overlay(cmd.Flags(), newViper(cmd.Flags()), &cfg, args); err != nil {
			return err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Verbose = true
	}
	config = cfg

	// initialize logging
	slog.SetDefault(log.New(os.Stderr, config.Verbose))

	slog.Debug("supervisor run", "configPath", configPath)
	slog.Debug("supervisor run", "config", config)
	return nil
}
