package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/cognitive-radio-sim/core"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/config"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/health"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/mqtt"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/observability"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/sim/events"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/spectrum"
	"github.com/signalsfoundry/cognitive-radio-sim/kb"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
	"github.com/signalsfoundry/cognitive-radio-sim/timectrl"
)

// defaultHorizon bounds generated primary user activity when the
// simulation runs until interrupted.
const defaultHorizon = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults apply when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

// run executes one simulation described by cfg and writes the final status
// report to out.
func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	base := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	ctx, log := logging.WithRunLogger(ctx, base)
	ctx = logging.ContextWithLogger(ctx, log)

	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log,
		observability.WithRunAttributes(observability.RunAttributes{
			Nodes:         cfg.Simulation.Nodes,
			Channels:      cfg.Spectrum.Channels,
			Seed:          seed,
			Repository:    cfg.Repository.Backend,
			DecisionLayer: cfg.Spectrum.DecisionLayer,
		}),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	registry := prometheus.NewRegistry()
	collector, err := observability.NewSpectrumCollector(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if cfg.Metrics.Enabled {
		metricsSrv := serveMetrics(ctx, cfg.Metrics, collector, log)
		defer shutdownHTTP(metricsSrv)
	}

	engineOpts := []core.EngineOption{
		core.WithEngineLogger(log),
		core.WithEngineContext(ctx),
		core.WithEngineMetrics(collector),
		core.WithEngineHandoffListener(handoffLogger(ctx, log)),
	}
	if cfg.Health.Enabled {
		srv, err := serveHealth(ctx, cfg.Health, registry, log)
		if err != nil {
			return err
		}
		defer srv.Stop()
		engineOpts = append(engineOpts, core.WithAvailabilitySink(srv))
	}

	plan := model.ChannelPlan{
		Count:    cfg.Spectrum.Channels,
		BaseMHz:  cfg.Spectrum.BaseMHz,
		WidthMHz: cfg.Spectrum.WidthMHz,
	}
	oracle, err := buildPrimaryUser(cfg, plan, seed)
	if err != nil {
		return err
	}
	for _, ch := range plan.Channels() {
		log.Info(ctx, "primary user activity",
			logging.String("channel", ch.String()),
			logging.Int("intervals", len(oracle.Intervals(ch))),
			logging.Float64("duty_cycle", oracle.DutyCycle(ch, cfg.Simulation.Start, cfg.Simulation.Start.Add(horizon(cfg)))),
		)
	}

	tc := timectrl.NewTimeController(cfg.Simulation.Start, cfg.Simulation.Tick, clockMode(cfg.Simulation.Mode))
	sched := events.NewScheduler(tc)
	store := kb.NewKnowledgeBase(kb.WithClock(sched))
	repo, closeRepo, err := buildRepository(cfg, store, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	engine, err := core.NewSimulationEngine(core.EngineConfig{
		Nodes:                   cfg.Simulation.Nodes,
		Plan:                    plan,
		SenseTime:               cfg.Spectrum.SenseTime,
		TransmitTime:            cfg.Spectrum.TransmitTime,
		HandoffTime:             cfg.Spectrum.HandoffTime,
		MisdetectionProbability: cfg.Spectrum.MisdetectionProbability,
		Policy:                  cfg.Spectrum.Policy,
		DecisionAtMAC:           cfg.Spectrum.DecisionLayer != "routing",
		StrictSequencing:        cfg.Spectrum.StrictSequencing,
		ReportInterval:          cfg.Simulation.ReportInterval,
		Seed:                    seed,
	}, sched, oracle, repo, engineOpts...)
	if err != nil {
		return err
	}

	if err := engine.Run(ctx, tc, cfg.Simulation.Duration); err != nil {
		return err
	}

	_, err = fmt.Fprint(out, engine.Report())
	return err
}

func clockMode(mode string) timectrl.Mode {
	if strings.EqualFold(mode, "realtime") {
		return timectrl.RealTime
	}
	return timectrl.Accelerated
}

func horizon(cfg *config.Config) time.Duration {
	if cfg.Simulation.Duration > 0 {
		return cfg.Simulation.Duration
	}
	return defaultHorizon
}

// buildPrimaryUser loads the activity file when configured, otherwise it
// draws an exponential ON/OFF process per channel.
func buildPrimaryUser(cfg *config.Config, plan model.ChannelPlan, seed uint64) (*core.PrimaryUserSchedule, error) {
	var (
		intervals []model.ActivityInterval
		err       error
	)
	if cfg.PrimaryUser.ActivityFile != "" {
		intervals, err = core.LoadPrimaryUserActivityFile(cfg.PrimaryUser.ActivityFile, cfg.Simulation.Start, plan)
	} else {
		rng := rand.New(rand.NewPCG(seed, ^seed))
		intervals, err = core.GenerateOnOffActivity(plan, cfg.Simulation.Start, horizon(cfg), cfg.PrimaryUser.MeanOn, cfg.PrimaryUser.MeanOff, rng)
	}
	if err != nil {
		return nil, fmt.Errorf("primary user activity: %w", err)
	}
	return core.NewPrimaryUserSchedule(intervals...)
}

// buildRepository returns the in-memory store, or an MQTT replica of it
// shared with other simulator processes.
func buildRepository(cfg *config.Config, store *kb.KnowledgeBase, log logging.Logger) (spectrum.Repository, func(), error) {
	if cfg.Repository.Backend != "mqtt" {
		return store, func() {}, nil
	}

	client, err := mqtt.Connect(cfg.MQTT, log)
	if err != nil {
		return nil, nil, err
	}
	replica, err := kb.NewReplica(store, client, log)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	if err := replica.Start(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeFn := func() {
		_ = replica.Stop()
		if err := client.Close(); err != nil {
			log.Warn(context.Background(), "mqtt close failed", logging.Err(err))
		}
	}
	return replica, closeFn, nil
}

func serveHealth(ctx context.Context, cfg config.HealthConfig, reg prometheus.Registerer, log logging.Logger) (*health.Server, error) {
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init rpc metrics: %w", err)
	}
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	srv := health.NewServer(health.WithLogger(log), health.WithUnaryInterceptor(rpc.UnaryServerInterceptor()))
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Error(ctx, "availability server exited", logging.Err(err))
		}
	}()
	return srv, nil
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, collector *observability.SpectrumCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, collector.Handler())

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", cfg.Address), logging.String("path", cfg.Path))
	return srv
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func handoffLogger(ctx context.Context, log logging.Logger) spectrum.HandoffListener {
	return spectrum.HandoffListenerFunc(func(ev spectrum.HandoffEvent) {
		log.Debug(ctx, "handoff",
			logging.String("node", string(ev.Node)),
			logging.String("kind", ev.Kind.String()),
			logging.String("from", ev.From.String()),
			logging.String("to", ev.To.String()),
		)
	})
}
