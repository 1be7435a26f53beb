package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/webamon/webamon-misp-sync/internal/provider/webamon"

	"github.com/webamon/webamon-misp-sync/internal/sync"
	"github.com/webamon/webamon-misp-sync/pkg/interop"
)

var version = "0.1.0"

const (
	EXIT_INTEROP_FAILED = 1
	EXIT_SETUP_FAILED   = 2
	EXIT_SYNC_FAILED    = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	var configFile, queriesFile string

	root := &cobra.Command{
		Use:           "webamon-misp-sync",
		Short:         "Synchronize Webamon search results into MISP events",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile, queriesFile)
		},
	}

	root.PersistentFlags().StringVarP(
		&configFile,
		"config",
		"c",
		"",
		"config file (default configs/config.yaml or ./config.yaml)",
	)
	root.PersistentFlags().StringVarP(
		&queriesFile,
		"queries",
		"q",
		"",
		"queries file, overrides queriesFile and QUERIES_FILE",
	)

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run every configured query once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile, queriesFile)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("webamon-misp-sync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
		},
	})

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	err := root.ExecuteContext(ctx)
	stop()

	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "%s\n", err)

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}

	os.Exit(EXIT_SETUP_FAILED)
}

func run(ctx context.Context, configFile string, queriesFile string) error {
	i, err := interop.NewInteroperability(configFile)
	if err != nil {
		return &exitError{
			EXIT_INTEROP_FAILED,
			fmt.Errorf("failed to create interop: %w", err),
		}
	}

	defer i.Shutdown()

	if queriesFile != "" {
		i.Config.Set("queriesFile", queriesFile)
	}

	syncer, err := sync.New(i)
	if err != nil {
		return &exitError{EXIT_SETUP_FAILED, fmt.Errorf("sync failed: %w", err)}
	}

	report, err := syncer.Sync(ctx)
	if err != nil {
		return &exitError{EXIT_SYNC_FAILED, fmt.Errorf("sync failed: %w", err)}
	}

	if aborted := report.Aborted(); aborted > 0 {
		return &exitError{
			EXIT_SYNC_FAILED,
			fmt.Errorf("sync failed: %d of %d queries aborted", aborted, len(report.Queries)),
		}
	}

	return nil
}
