package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	loaded, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, engine.StrategyPool, loaded.Engine.Strategy)
	assert.Equal(t, 1024, loaded.Engine.QueueSize)
	assert.Equal(t, 30*time.Second, loaded.Engine.ProcessingTimeout)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, loaded.Producer.Symbols)
	assert.Equal(t, 200, loaded.Rate)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"engine": {
			"queueSize": 512,
			"strategy": "sharded",
			"backpressureThreshold": 0.8,
			"hysteresis": 0.1,
			"numShards": 4,
			"shardQueueSize": 64,
			"processingTimeoutMs": 5000,
			"deadLetterSize": 32,
			"breaker": {
				"failureThreshold": 3,
				"successThreshold": 1,
				"recoveryTimeoutMs": 1000,
				"halfOpenMaxCalls": 2
			},
			"batch": {
				"maxBatchSize": 32,
				"maxBatchAgeMs": 25,
				"flushWorkers": 2
			}
		},
		"producer": {
			"symbols": ["BTCUSDT"],
			"basePrice": 50000,
			"spread": 0.5,
			"rate": 500,
			"seed": 7
		}
	}`)

	loaded, err := Load(path)
	require.NoError(t, err)

	ec := loaded.Engine
	assert.Equal(t, 512, ec.QueueSize)
	assert.Equal(t, engine.StrategySharded, ec.Strategy)
	assert.Equal(t, 0.8, ec.Admission.BackpressureThreshold)
	assert.Equal(t, 0.1, ec.Admission.Hysteresis)
	assert.Equal(t, 4, ec.Sharded.NumShards)
	assert.Equal(t, 64, ec.Sharded.ShardQueueSize)
	assert.Equal(t, 5*time.Second, ec.ProcessingTimeout)
	assert.Equal(t, 32, ec.DeadLetterSize)
	assert.Equal(t, 3, ec.Breaker.FailureThreshold)
	assert.Equal(t, time.Second, ec.Breaker.RecoveryTimeout)
	require.NotNil(t, ec.Batch)
	assert.Equal(t, 32, ec.Batch.MaxBatchSize)
	assert.Equal(t, 25*time.Millisecond, ec.Batch.MaxBatchAge)

	assert.Equal(t, []string{"BTCUSDT"}, loaded.Producer.Symbols)
	assert.Equal(t, 500, loaded.Rate)
	assert.Equal(t, int64(7), loaded.Producer.Seed)
}

func TestLoadRejectsBadStrategy(t *testing.T) {
	path := writeConfig(t, `{"engine": {"strategy": "fibers"}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := writeConfig(t, `{"engine": `)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
