// Package stats tracks request and token usage per model and account.
// Counters live in memory; when a Redis client is attached they are
// mirrored into hashes so usage survives restarts.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/redis"
)

// ModelStats is the usage counters for one model
type ModelStats struct {
	Requests     int64 `json:"requests"`
	Failures     int64 `json:"failures"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// AccountStats is the usage counters for one account
type AccountStats struct {
	Requests     int64 `json:"requests"`
	Failures     int64 `json:"failures"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	LastUsed     int64 `json:"lastUsed"`
}

// Snapshot is a point-in-time copy of all counters
type Snapshot struct {
	StartedAt     int64                    `json:"startedAt"`
	TotalRequests int64                    `json:"totalRequests"`
	TotalFailures int64                    `json:"totalFailures"`
	Models        map[string]ModelStats    `json:"models"`
	Accounts      map[string]AccountStats  `json:"accounts"`
}

// Recorder accumulates usage counters
type Recorder struct {
	mu        sync.Mutex
	startedAt int64
	total     int64
	failures  int64
	models    map[string]*ModelStats
	accounts  map[string]*AccountStats

	rdb *redis.Client
}

// NewRecorder creates a Recorder; rdb may be nil for memory-only stats
func NewRecorder(rdb *redis.Client) *Recorder {
	return &Recorder{
		startedAt: utils.NowMs(),
		models:    make(map[string]*ModelStats),
		accounts:  make(map[string]*AccountStats),
		rdb:       rdb,
	}
}

// Record counts one finished upstream call
func (r *Recorder) Record(model, email string, inputTokens, outputTokens int, success bool) {
	r.mu.Lock()

	r.total++
	if !success {
		r.failures++
	}

	ms, ok := r.models[model]
	if !ok {
		ms = &ModelStats{}
		r.models[model] = ms
	}
	ms.Requests++
	ms.InputTokens += int64(inputTokens)
	ms.OutputTokens += int64(outputTokens)
	if !success {
		ms.Failures++
	}

	as, ok := r.accounts[email]
	if !ok {
		as = &AccountStats{}
		r.accounts[email] = as
	}
	as.Requests++
	as.InputTokens += int64(inputTokens)
	as.OutputTokens += int64(outputTokens)
	as.LastUsed = utils.NowMs()
	if !success {
		as.Failures++
	}

	r.mu.Unlock()

	if r.rdb != nil {
		go r.mirror(model, email, inputTokens, outputTokens, success)
	}
}

// mirror pushes one record into the Redis counters. Failures only log;
// stats must never affect request handling.
func (r *Recorder) mirror(model, email string, inputTokens, outputTokens int, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for key, counters := range map[string]map[string]int64{
		redis.PrefixStats + "model:" + model: {
			"requests":     1,
			"inputTokens":  int64(inputTokens),
			"outputTokens": int64(outputTokens),
		},
		redis.PrefixStats + "account:" + email: {
			"requests":     1,
			"inputTokens":  int64(inputTokens),
			"outputTokens": int64(outputTokens),
		},
	} {
		if !success {
			counters["failures"] = 1
		}
		for field, incr := range counters {
			if incr == 0 {
				continue
			}
			if _, err := r.rdb.HIncrBy(ctx, key, field, incr); err != nil {
				utils.Debug("[Stats] Redis mirror failed for %s: %v", key, err)
				return
			}
		}
	}
}

// GetSnapshot returns a copy of all counters
func (r *Recorder) GetSnapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		StartedAt:     r.startedAt,
		TotalRequests: r.total,
		TotalFailures: r.failures,
		Models:        make(map[string]ModelStats, len(r.models)),
		Accounts:      make(map[string]AccountStats, len(r.accounts)),
	}
	for model, ms := range r.models {
		snap.Models[model] = *ms
	}
	for email, as := range r.accounts {
		snap.Accounts[email] = *as
	}
	return snap
}
