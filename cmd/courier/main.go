package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/envelope"
	"courier/internal/machine"
	"courier/internal/metrics"
	"courier/internal/relay"
	"courier/internal/timeline"
	"courier/internal/transport"
	"courier/internal/update"
	"courier/internal/version"
	"courier/pkg/bus"
	"courier/pkg/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "courier",
		Short:         "Update-and-relay agent for the courier control server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newSurveyCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the update poller and result relay until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, configFile)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file overriding the environment")
	return cmd
}

func newSurveyCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "survey",
		Short: "Report the survey artifact once, if one exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSurvey(ctx, configFile)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file overriding the environment")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Name, version.Version)
		},
	}
}

func setup(ctx context.Context, configFile string) (config.Config, error) {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if configFile != "" {
		if err := config.ApplyFile(configFile, &cfg); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runAgent(ctx context.Context, configFile string) error {
	cfg, err := setup(ctx, configFile)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, version.Name, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	name := machine.Name(cfg.MachineName)
	client := transport.New(transport.Options{
		MachineName:          name,
		UserAgent:            version.Name + "/" + version.Version,
		Timeout:              cfg.RequestTimeout.Std(),
		TrustAllCertificates: cfg.TrustAllCertificates,
		EnableTracing:        cfg.OTLPEndpoint != "",
	})
	codec := envelope.Codec{Secure: cfg.SecureUploads, WorkFactor: cfg.ScryptWorkFactor}
	store := timeline.NewStore(cfg.TimelineFilePath())
	set := metrics.New()

	var dispatcher dispatch.Dispatcher = dispatch.LogOnly{Log: log.Logger}
	if cfg.NATSURL != "" {
		b, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect worker bus: %w", err)
		}
		defer b.Close()
		dispatcher = dispatch.NewBus(b, log.Logger)
	}

	var archive *relay.Archive
	if cfg.ArchiveShipments {
		archive = relay.NewArchive(filepath.Join(cfg.StateDir, "shipments.zst"))
	}

	poller := update.NewPoller(update.Options{
		Enabled:      cfg.PollEnabled,
		UpdatesURL:   cfg.UpdatesURL(),
		TimelinesURL: cfg.TimelinesURL(),
		HealthPath:   cfg.HealthFilePath(),
		Interval:     cfg.PollInterval.Std(),
		Jitter:       cfg.Jitter,
		Client:       client,
		Store:        store,
		Dispatcher:   dispatcher,
		Metrics:      set,
		Log:          log.Logger,
	})

	relayer := relay.New(relay.Options{
		Enabled:     cfg.RelayEnabled,
		ResultsURL:  cfg.ResultsURL(),
		PrimaryFile: cfg.ResultsFilePath(),
		Excluded:    cfg.ExcludedLogs,
		Interval:    cfg.RelayInterval.Std(),
		Jitter:      cfg.Jitter,
		Client:      client,
		Codec:       codec,
		MachineKey:  name,
		Archive:     archive,
		Metrics:     set,
		Log:         log.Logger,
	})

	log.Info().
		Str("machine", name).
		Str("server", cfg.ServerURL).
		Bool("secure_uploads", cfg.SecureUploads).
		Msg("starting courier agent")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return relayer.Run(ctx) })
	g.Go(func() error { return set.Serve(ctx, cfg.DebugAddr, log.Logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runSurvey(ctx context.Context, configFile string) error {
	cfg, err := setup(ctx, configFile)
	if err != nil {
		return err
	}

	name := machine.Name(cfg.MachineName)
	client := transport.New(transport.Options{
		MachineName:          name,
		UserAgent:            version.Name + "/" + version.Version,
		Timeout:              cfg.RequestTimeout.Std(),
		TrustAllCertificates: cfg.TrustAllCertificates,
	})

	reporter := relay.NewSurveyReporter(relay.SurveyOptions{
		SurveyFile: cfg.SurveyFilePath(),
		SurveyURL:  cfg.SurveyURL(),
		Delay:      cfg.SurveyDelay.Std(),
		Jitter:     cfg.Jitter,
		Client:     client,
		Codec:      envelope.Codec{Secure: cfg.SecureUploads, WorkFactor: cfg.ScryptWorkFactor},
		MachineKey: name,
		Metrics:    metrics.New(),
		Log:        log.Logger,
	})

	if err := reporter.Report(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("survey report failed, artifact retained")
		return err
	}
	return nil
}
