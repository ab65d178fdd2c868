package serve

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/psgscore/internal/api"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/ingest"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/observability"
	"github.com/tphakala/psgscore/internal/scoring"
)

// Command creates the serve command, which runs the HTTP scoring API.
func Command(settings *conf.Settings) *cobra.Command {
	var channels []string

	cmd := &cobra.Command{
		Use:   "serve [file.wav|file.edf...]",
		Short: "Serve the scoring API",
		Long:  "Start the HTTP scoring API. WAV or EDF files given as arguments are loaded as recordings before the server starts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, channels, args)
		},
	}

	cmd.Flags().StringVar(&settings.WebServer.Port, "port", viper.GetString("webserver.port"), "Port for the HTTP API")
	cmd.Flags().BoolVar(&settings.Telemetry.Enabled, "telemetry", viper.GetBool("telemetry.enabled"), "Enable the standalone Prometheus endpoint")
	cmd.Flags().StringVar(&settings.Telemetry.Listen, "listen", viper.GetString("telemetry.listen"), "Listen address and port of the telemetry endpoint")
	cmd.Flags().StringSliceVar(&channels, "channels", viper.GetStringSlice("ingest.channelnames"), "Channel names in file order")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, channels, paths []string) error {
	log := logger.Global().Module("serve")

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	svc, err := scoring.Open(settings, scoring.WithRecorder(metrics.Scoring))
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	for _, path := range paths {
		if _, err := svc.LoadFile(path, ingest.Options{ChannelNames: channels}); err != nil {
			return err
		}
	}

	server, err := api.New(settings, svc, api.WithMetrics(metrics))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	quit := make(chan struct{})
	if settings.Telemetry.Enabled {
		observability.NewEndpoint(settings.Telemetry.Listen, metrics).Start(&wg, quit)
	}
	defer func() {
		close(quit)
		wg.Wait()
	}()

	server.Start()
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-waitErr(server):
		if err != nil {
			return err
		}
	}
	return server.Shutdown()
}

// waitErr turns the blocking server.Wait into a channel.
func waitErr(s *api.Server) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Wait() }()
	return ch
}
