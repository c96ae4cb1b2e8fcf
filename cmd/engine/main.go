package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/engine"
	"main/internal/event"
	"main/internal/mdg"
	"main/internal/model"
	"main/internal/ops"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	strategy := flag.String("strategy", "", "Override scheduler strategy (pool|coop|sharded)")
	duration := flag.Duration("duration", 0, "Run time (0=until SIGINT)")
	rate := flag.Int("rate", 0, "Override ticks per second")
	failSignals := flag.Bool("fail-signals", false, "Make the signal handler fail, to exercise the circuit breaker")
	pyroscopeAddr := flag.String("pyroscope-addr", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *strategy != "" {
		loaded.Engine.Strategy = engine.StrategyKind(*strategy)
	}
	if *rate > 0 {
		loaded.Rate = *rate
	}

	if *pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "strategy/engine",
			ServerAddress:   *pyroscopeAddr,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	eng, err := engine.New(loaded.Engine)
	if err != nil {
		log.Fatalf("engine build failed: %v", err)
	}
	registerHandlers(eng, *failSignals)
	if err := eng.Start(); err != nil {
		log.Fatalf("engine start failed: %v", err)
	}

	gen, err := mdg.New(loaded.Producer)
	if err != nil {
		log.Fatalf("generator build failed: %v", err)
	}

	ctx := context.Background()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	produce(ctx, eng, gen, loaded.Rate)

	drained, canceled, err := eng.Stop(5 * time.Second)
	if err != nil {
		logs.Errorf("engine stop: %v", err)
	}
	report(eng, drained, canceled)
}

// produce submits synthetic ticks (and derived signals) at the
// configured rate until the context is done or a shutdown signal
// arrives.
func produce(ctx context.Context, eng *engine.Engine, gen *mdg.Generator, rate int) {
	interval := time.Second / time.Duration(rate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sys.Shutdown():
			logs.Info("shutdown signal received")
			return
		case <-ticker.C:
			now := time.Now()
			tick := gen.Next(now)
			if _, err := eng.Submit(model.TypeTick, tick, event.PriorityNormal,
				engine.WithKey(tick.Symbol), engine.WithBatch()); err != nil {
				logs.Debugf("tick dropped: %v", err)
			}
			if sig, ok := gen.Signal(tick, now); ok {
				if _, err := eng.Submit(model.TypeSignal, sig, event.PriorityHigh,
					engine.WithKey(sig.Symbol)); err != nil {
					logs.Warnf("signal dropped: %v", err)
				}
			}
		}
	}
}

func registerHandlers(eng *engine.Engine, failSignals bool) {
	// Ticks arrive in per-symbol micro-batches; the batch handler
	// stands in for an indicator-update kernel.
	eng.RegisterBatchHandler(model.TypeTick, func(ctx context.Context, key string, events []event.Event) error {
		logs.Debugf("tick batch: key=%s size=%d", key, len(events))
		return nil
	})
	eng.RegisterHandler(model.TypeTick, func(ctx context.Context, ev event.Event) error {
		return nil
	})
	eng.RegisterHandler(model.TypeSignal, func(ctx context.Context, ev event.Event) error {
		if failSignals {
			return errDemoFailure
		}
		sig := ev.Payload.(model.Signal)
		logs.Infof("signal: %s %s @ %s", sig.Symbol, sig.Action, sig.Price)
		return nil
	})
	eng.RegisterHandler(model.TypeStopLoss, func(ctx context.Context, ev event.Event) error {
		sl := ev.Payload.(model.StopLoss)
		logs.Warnf("stop loss: %s trigger=%s", sl.Symbol, sl.Trigger)
		return nil
	})
	eng.RegisterHandler(model.TypeAudit, func(ctx context.Context, ev event.Event) error {
		return nil
	})
}

func report(eng *engine.Engine, drained, canceled int) {
	stats := eng.Stats()
	logs.Infof("run summary: received=%d processed=%d failed=%d dropped=%d drained=%d canceled=%d",
		stats.Received, stats.Processed, stats.Failed, stats.Dropped, drained, canceled)
	logs.Infof("latency: avg=%s min=%s max=%s (n=%d)",
		stats.Latency.Avg, stats.Latency.Min, stats.Latency.Max, stats.Latency.Count)
	for reason, n := range stats.Drops {
		logs.Infof("drops[%s]=%d", reason, n)
	}
	for eventType, state := range stats.CircuitStates {
		logs.Infof("breaker[%s]=%s", eventType, state)
	}
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}

var errDemoFailure = errors.New("demo signal failure")
