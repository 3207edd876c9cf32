package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/lockstep-client/internal/config"
	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"github.com/signalsfoundry/lockstep-client/internal/observability"
	"github.com/signalsfoundry/lockstep-client/timectrl"
)

func main() {
	configPath := flag.String("config", "configs/lockstep.yaml", "Path to the YAML session config")
	duration := flag.Duration("duration", 0, "total session duration (overrides the config)")
	accelerated := flag.Bool("accelerated", true, "run in accelerated mode (vs real-time); only applied when set explicitly")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides the config)")
	healthAddr := flag.String("health-addr", "", "gRPC address for grpc.health.v1 checks (overrides the config)")
	pauseAt := flag.Duration("pause-relay-at", 0, "virtual time at which the relay stops delivering turns")
	pauseFor := flag.Duration("pause-relay-for", 0, "how long the relay stays paused; 0 disables the outage")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load config", logging.String("path", *configPath), logging.Err(err))
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "duration":
			cfg.Demo.Duration = *duration
		case "accelerated":
			cfg.Demo.Mode = "realtime"
			if *accelerated {
				cfg.Demo.Mode = "accelerated"
			}
		case "metrics-addr":
			cfg.Demo.MetricsAddr = *metricsAddr
		case "health-addr":
			cfg.Demo.HealthAddr = *healthAddr
		}
	})

	tracing, err := observability.StartTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background())

	reporter, err := observability.NewErrorReporter(observability.ErrorReportingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise error reporting", logging.Err(err))
		os.Exit(1)
	}
	defer reporter.Flush(2 * time.Second)

	reg := prometheus.NewRegistry()
	metricsSrv := serveMetrics(cfg.Demo.MetricsAddr, reg, log)
	healthSrv, err := serveHealth(cfg.Demo.HealthAddr, log)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC health", logging.String("addr", cfg.Demo.HealthAddr), logging.Err(err))
		os.Exit(1)
	}

	healthSrv.setServing(true)
	result, err := run(ctx, cfg, log, reg, reporter, outage{At: *pauseAt, For: *pauseFor})
	healthSrv.setServing(false)
	healthSrv.stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err != nil {
		log.Error(ctx, "session failed", logging.Err(err))
		os.Exit(1)
	}
	if result.Desyncs > 0 {
		os.Exit(2)
	}
}

// run plays one session to completion or until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, log logging.Logger, reg prometheus.Registerer, reporter *observability.ErrorReporter, out outage) (summary, error) {
	mode := timectrl.RealTime
	if strings.EqualFold(cfg.Demo.Mode, "accelerated") {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), cfg.Demo.Frame, mode)

	s, err := newSession(cfg, log, reg, reporter, tc, out)
	if err != nil {
		return summary{}, err
	}
	if err := s.start(); err != nil {
		return summary{}, err
	}

	tc.AddListener(func(_ time.Time, elapsed time.Duration) {
		if err := s.frame(elapsed); err != nil {
			log.Warn(ctx, "frame reported failures", logging.Duration("at", s.now), logging.Err(err))
		}
	})

	log.Info(ctx, "starting lockstep session",
		logging.Int("players", cfg.Demo.Players),
		logging.Duration("duration", cfg.Demo.Duration),
		logging.Duration("frame", cfg.Demo.Frame),
		logging.String("mode", mode.String()),
	)
	<-tc.Start(ctx, cfg.Demo.Duration)

	if err := s.stop(); err != nil {
		log.Warn(ctx, "stopping peers reported failures", logging.Err(err))
	}
	result := s.summary()
	for _, p := range result.Peers {
		log.Info(ctx, "peer finished",
			logging.Player(p.Player),
			logging.Int("steps", p.Steps),
			logging.Any("checksum", p.Checksum),
			logging.Int("disconnects", p.Stats.Disconnects),
			logging.Duration("disconnected", p.Stats.DisconnectedTime),
			logging.Int("commands_applied", p.Stats.CommandsApplied),
			logging.Int("lowest_turn_buffer", p.Stats.LowestTurnBuffer),
		)
	}
	log.Info(ctx, "lockstep session complete",
		logging.Duration("elapsed", result.Elapsed),
		logging.Int("verified_steps", result.Verified),
		logging.Int("desyncs", result.Desyncs),
		logging.Int("turns_closed", result.Relay.TurnsClosed),
		logging.Int("late_commands", result.Relay.LateCommands),
	)
	return result, nil
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
