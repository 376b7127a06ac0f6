package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/agent"
	"github.com/ericogr/ntu-session-agent/pkg/api"
	"github.com/ericogr/ntu-session-agent/pkg/clock"
	"github.com/ericogr/ntu-session-agent/pkg/config"
	"github.com/ericogr/ntu-session-agent/pkg/metrics"
	"github.com/ericogr/ntu-session-agent/pkg/output"
	"github.com/ericogr/ntu-session-agent/pkg/output/console"
	"github.com/ericogr/ntu-session-agent/pkg/output/mqtt"
	"github.com/ericogr/ntu-session-agent/pkg/sampler"
	"github.com/ericogr/ntu-session-agent/pkg/sensor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	timeSyncAttempts = 50
	timeSyncPause    = 200 * time.Millisecond
)

var verbose bool

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags *config.Flags
	cmd := &cobra.Command{
		Use:   "ntu-agent",
		Short: "Time-aligned turbidity sampling agent",
		Long: `ntu-agent polls a controller for a start command, takes a fixed batch of
turbidity readings on a global time grid and uploads the batch as one
session report.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load(os.LookupEnv)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel, verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags = config.RegisterFlags(cmd.Flags())
	return cmd
}

func buildLogger(level string, debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clk := clock.NewSystem()
	logger.Info("synchronizing clock", zap.String("server", cfg.TimeServer))
	if err := clk.SyncWithRetry(ctx, cfg.TimeServer, cfg.TimeSyncTimeout(), timeSyncAttempts, timeSyncPause); err != nil {
		if agent.IsStopped(err) {
			return nil
		}
		logger.Warn("clock sync failed, using host clock", zap.Error(err))
	} else {
		logger.Info("clock synchronized",
			zap.Duration("offset", clk.Offset()),
			zap.Time("now", time.UnixMilli(int64(clk.NowMs())).UTC()))
	}

	src, err := sensor.New(cfg)
	if err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	defer src.Close()

	smp := sampler.New(src, sampler.Options{
		Channel: cfg.Channel,
		Count:   cfg.SampleCount,
		Delay:   cfg.SampleDelay(),
		Curve:   sampler.Curve{Gain: cfg.CalibrationGain, Max: cfg.NTUMax},
		Sleep:   clk.Sleep,
		Logger:  logger.Named("sampler"),
	})

	client, err := api.New(api.Options{
		BaseURL:       cfg.BaseURL,
		Token:         cfg.AuthToken,
		DeviceID:      cfg.DeviceID,
		CommandPath:   cfg.CommandPath,
		SessionPath:   cfg.SessionPath,
		PollTimeout:   cfg.PollTimeout(),
		UploadTimeout: cfg.UploadTimeout(),
		Logger:        logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}
	logger.Info("controller",
		zap.String("command_url", client.CommandURL()),
		zap.String("session_url", client.SessionURL()))

	outs, err := initOutputs(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, o := range outs {
			_ = o.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	a := agent.New(agentSettings(cfg), agent.Deps{
		Clock:    clk,
		Poller:   client,
		Uploader: client,
		Sampler:  smp,
		Outputs:  outs,
		Metrics:  rec,
		Logger:   logger.Named("agent"),
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, reg) })
	}
	g.Go(func() error { return a.Run(gctx) })

	if err := g.Wait(); err != nil && !agent.IsStopped(err) {
		return err
	}
	return nil
}

func agentSettings(cfg config.Config) agent.Settings {
	return agent.Settings{
		StepMs:        uint64(cfg.StepMs),
		BatchSize:     cfg.BatchSize,
		ShortCooldown: cfg.ShortCooldown(),
		LongCooldown:  cfg.LongCooldown(),
	}
}

// initOutputs builds the batch mirrors listed in cfg.Outputs.
func initOutputs(cfg config.Config, logger *zap.Logger) ([]output.Output, error) {
	outs := make([]output.Output, 0, len(cfg.Outputs))
	for _, oc := range cfg.Outputs {
		switch strings.ToLower(oc.Type) {
		case config.OutputConsole:
			outs = append(outs, console.NewConsole())
		case config.OutputMQTT:
			if oc.MQTT == nil {
				return nil, errors.New("mqtt output requires mqtt settings")
			}
			m, err := mqtt.NewMQTT(*oc.MQTT, logger.Named("mqtt"))
			if err != nil {
				return nil, err
			}
			outs = append(outs, m)
		default:
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
	}
	return outs, nil
}
