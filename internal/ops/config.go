// Package ops loads the engine's JSON configuration file and resolves
// it into ready-to-use component configs.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"main/internal/admission"
	"main/internal/batch"
	"main/internal/breaker"
	"main/internal/engine"
	"main/internal/executor"
	"main/internal/mdg"
	"main/internal/scale"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Engine   EngineConfig   `json:"engine"`
	Producer ProducerConfig `json:"producer"`
}

// EngineConfig is the file form of engine.Config. Durations are
// milliseconds.
type EngineConfig struct {
	QueueSize             int            `json:"queueSize"`
	Strategy              string         `json:"strategy"`
	BackpressureThreshold float64        `json:"backpressureThreshold"`
	Hysteresis            float64        `json:"hysteresis"`
	MinWorkers            int            `json:"minWorkers"`
	MaxWorkers            int            `json:"maxWorkers"`
	InitialWorkers        int            `json:"initialWorkers"`
	MaxInFlight           int64          `json:"maxInFlight"`
	NumShards             int            `json:"numShards"`
	ShardQueueSize        int            `json:"shardQueueSize"`
	ProcessingTimeoutMs   int64          `json:"processingTimeoutMs"`
	DeadLetterSize        int            `json:"deadLetterSize"`
	AutoScale             bool           `json:"autoScale"`
	Breaker               *BreakerConfig `json:"breaker"`
	Batch                 *BatchConfig   `json:"batch"`
}

// BreakerConfig is the file form of breaker.Config.
type BreakerConfig struct {
	FailureThreshold  int   `json:"failureThreshold"`
	SuccessThreshold  int   `json:"successThreshold"`
	RecoveryTimeoutMs int64 `json:"recoveryTimeoutMs"`
	HalfOpenMaxCalls  int64 `json:"halfOpenMaxCalls"`
}

// BatchConfig is the file form of batch.Config.
type BatchConfig struct {
	MaxBatchSize  int   `json:"maxBatchSize"`
	MaxBatchAgeMs int64 `json:"maxBatchAgeMs"`
	FlushWorkers  int   `json:"flushWorkers"`
}

// ProducerConfig describes the synthetic market data producer.
type ProducerConfig struct {
	Symbols   []string `json:"symbols"`
	BasePrice float64  `json:"basePrice"`
	Spread    float64  `json:"spread"`
	Rate      int      `json:"rate"`
	Seed      int64    `json:"seed"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Engine   engine.Config
	Producer mdg.Config
	Rate     int
}

// Load reads a JSON config file and resolves it. An empty path returns
// defaults.
func Load(path string) (Loaded, error) {
	var cfg FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, fmt.Errorf("parse config: %w", err)
		}
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	ec := engine.Config{
		QueueSize: cfg.Engine.QueueSize,
		Strategy:  engine.StrategyKind(cfg.Engine.Strategy),
		Admission: admission.Config{
			BackpressureThreshold: cfg.Engine.BackpressureThreshold,
			Hysteresis:            cfg.Engine.Hysteresis,
		},
		Pool: executor.PoolConfig{
			InitialWorkers: cfg.Engine.InitialWorkers,
			MinWorkers:     cfg.Engine.MinWorkers,
			MaxWorkers:     cfg.Engine.MaxWorkers,
		},
		Coop: executor.CoopConfig{MaxInFlight: cfg.Engine.MaxInFlight},
		Sharded: executor.ShardedConfig{
			NumShards:      cfg.Engine.NumShards,
			ShardQueueSize: cfg.Engine.ShardQueueSize,
		},
		ProcessingTimeout: time.Duration(cfg.Engine.ProcessingTimeoutMs) * time.Millisecond,
		DeadLetterSize:    cfg.Engine.DeadLetterSize,
		AutoScale:         cfg.Engine.AutoScale,
		Scale: scale.Config{
			MinWorkers: cfg.Engine.MinWorkers,
			MaxWorkers: cfg.Engine.MaxWorkers,
		},
	}
	if b := cfg.Engine.Breaker; b != nil {
		ec.Breaker = breaker.Config{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			RecoveryTimeout:  time.Duration(b.RecoveryTimeoutMs) * time.Millisecond,
			HalfOpenMaxCalls: b.HalfOpenMaxCalls,
		}
	}
	if b := cfg.Engine.Batch; b != nil {
		ec.Batch = &batch.Config{
			MaxBatchSize: b.MaxBatchSize,
			MaxBatchAge:  time.Duration(b.MaxBatchAgeMs) * time.Millisecond,
			FlushWorkers: b.FlushWorkers,
		}
	}
	if err := ec.Validate(); err != nil {
		return Loaded{}, err
	}

	symbols := cfg.Producer.Symbols
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}
	rate := cfg.Producer.Rate
	if rate <= 0 {
		rate = 200
	}
	pc := mdg.Config{
		Symbols:   symbols,
		BasePrice: cfg.Producer.BasePrice,
		Spread:    cfg.Producer.Spread,
		Seed:      cfg.Producer.Seed,
	}
	if err := pc.Validate(); err != nil {
		return Loaded{}, err
	}
	return Loaded{Engine: ec, Producer: pc, Rate: rate}, nil
}
