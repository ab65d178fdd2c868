package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphakala/psgscore/cmd"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/telemetry"
)

// buildDate and version are set at build time with -ldflags.
var (
	buildDate string
	version   string
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	settings.Version = version
	settings.BuildDate = buildDate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.RootCommand(settings)
	err = rootCmd.ExecuteContext(ctx)

	telemetry.Shutdown(2 * time.Second)
	_ = logger.Global().Close()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
