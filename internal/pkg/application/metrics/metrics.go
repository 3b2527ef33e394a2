package metrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
)

const (
	PerformanceTable = "performance_metrics"
	QueryTable       = "query_metrics"
	SlowQueryTable   = "slow_queries"
)

// Recorder writes per-operation performance records and query metrics as
// a side effect of broker operations. Records are write-only outputs
// consumed by external observability tooling; the broker never reads
// them back. Writes run on their own goroutine so a slow metrics write
// never delays a response.
type Recorder struct {
	store     storage.Store
	logger    zerolog.Logger
	slowAfter time.Duration

	queue chan func()
	done  chan struct{}
}

func NewRecorder(store storage.Store, slowAfter time.Duration, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		store:     store,
		logger:    logger,
		slowAfter: slowAfter,
		queue:     make(chan func(), 64),
		done:      make(chan struct{}),
	}

	go r.run()

	return r
}

func (r *Recorder) Stop() {
	close(r.queue)
	<-r.done
}

// Operation records one completed broker operation.
func (r *Recorder) Operation(model, action string, duration time.Duration, memoryBytes uint64) {
	r.enqueue(func() {
		r.write(PerformanceTable, resources.Record{
			"id":          uuid.NewString(),
			"model":       model,
			"action":      action,
			"duration_ms": duration.Milliseconds(),
			"memory":      int64(memoryBytes),
			"recorded_at": time.Now().UTC(),
		})
	})
}

// Query records one executed query, keyed by a hash of the normalized
// query text, and logs it as slow when it exceeds the threshold.
func (r *Recorder) Query(statement string, duration time.Duration) {
	hash := sha256.Sum256([]byte(statement))
	key := hex.EncodeToString(hash[:])

	slow := r.slowAfter > 0 && duration >= r.slowAfter
	if slow {
		r.logger.Warn().
			Str("query_hash", key).
			Int64("duration_ms", duration.Milliseconds()).
			Str("statement", statement).
			Msg("slow query")
	}

	r.enqueue(func() {
		r.write(QueryTable, resources.Record{
			"id":          uuid.NewString(),
			"query_hash":  key,
			"query":       statement,
			"duration_ms": duration.Milliseconds(),
			"recorded_at": time.Now().UTC(),
		})

		if slow {
			r.write(SlowQueryTable, resources.Record{
				"id":          uuid.NewString(),
				"query_hash":  key,
				"query":       statement,
				"duration_ms": duration.Milliseconds(),
				"recorded_at": time.Now().UTC(),
			})
		}
	})
}

func (r *Recorder) enqueue(fn func()) {
	// drop on the floor rather than block a request path
	select {
	case r.queue <- fn:
	default:
		r.logger.Warn().Msg("metrics queue full, dropping record")
	}
}

func (r *Recorder) run() {
	for fn := range r.queue {
		fn()
	}
	close(r.done)
}

func (r *Recorder) write(table string, rec resources.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to begin metrics transaction")
		return
	}

	if err := tx.Insert(ctx, table, rec); err != nil {
		tx.Rollback(ctx)
		r.logger.Error().Err(err).Str("table", table).Msg("failed to write metrics record")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to commit metrics record")
	}
}
