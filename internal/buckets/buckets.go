// Package buckets collects finished predictions per caller entity and
// flushes them to the ledger database in batches
package buckets

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"model-gateway/internal/database"
	"model-gateway/internal/metrics"
	"model-gateway/internal/shared"

	"go.uber.org/zap"
)

// Ledger is safe to use as a nil pointer, every call is then a no-op.
type Ledger struct {
	buckets  map[shared.ID]*bucket
	flushing map[shared.ID]*bucket
	mu       sync.Mutex
	log      *zap.SugaredLogger
	db       *sql.DB

	interval   time.Duration
	retryDelay time.Duration
}

type bucket struct {
	entityID shared.ID
	records  map[string]*database.PredictionRecord
	inflight uint64
	timer    *time.Timer
}

func NewLedger(log *zap.SugaredLogger, db *sql.DB) *Ledger {
	return &Ledger{
		db:         db,
		log:        log,
		buckets:    map[shared.ID]*bucket{},
		flushing:   map[shared.ID]*bucket{},
		interval:   shared.BucketFlushInterval,
		retryDelay: shared.BucketRetryDelay,
	}
}

func (l *Ledger) getBucket(entityID shared.ID) *bucket {
	b, ok := l.buckets[entityID]
	if !ok {
		b = &bucket{entityID: entityID, records: map[string]*database.PredictionRecord{}}
		l.buckets[entityID] = b
	}
	return b
}

func (l *Ledger) AddInFlight(entityID shared.ID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.getBucket(entityID)
	b.inflight++
	metrics.InflightRequests.WithLabelValues(entityID.String()).Set(float64(b.inflight))
}

// RemoveInFlight is for predictions that end without a record
func (l *Ledger) RemoveInFlight(entityID shared.ID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.getBucket(entityID)
	if b.inflight > 0 {
		b.inflight--
	}
	metrics.InflightRequests.WithLabelValues(entityID.String()).Set(float64(b.inflight))
}

// AddRecord stores a finished prediction and releases its in flight slot.
// The bucket is flushed once the entity has nothing in flight, or after the
// flush interval otherwise.
func (l *Ledger) AddRecord(rec *database.PredictionRecord) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(rec.EntityID)
	b.records[rec.TransactionID] = rec
	if b.inflight > 0 {
		b.inflight--
	}
	metrics.InflightRequests.WithLabelValues(rec.EntityID.String()).Set(float64(b.inflight))

	if b.inflight > 0 {
		if b.timer == nil {
			l.log.Debugw("Registering flush for bucket", "entity_id", rec.EntityID)
			b.timer = time.AfterFunc(l.interval, func() { l.flushWithRetry(rec.EntityID) })
		}
		return
	}

	if b.timer != nil && !b.timer.Stop() {
		// timer already fired, its flush picks this record up
		return
	}
	go l.flushWithRetry(rec.EntityID)
}

func (l *Ledger) flushWithRetry(entityID shared.ID) {
	retry := l.Flush(entityID)
	for retry != 0 {
		l.log.Warnw("Flush requested retry, waiting...", "entity_id", entityID)
		time.Sleep(retry)
		retry = l.Flush(entityID)
	}
}

// Flush writes the bucket of entityID. A non zero return asks the caller to
// retry after that long because another flush of the entity is running.
func (l *Ledger) Flush(entityID shared.ID) time.Duration {
	l.mu.Lock()
	b, ok := l.buckets[entityID]
	if !ok {
		l.mu.Unlock()
		return 0
	}
	if _, ok := l.flushing[entityID]; ok {
		l.mu.Unlock()
		return l.retryDelay
	}
	l.flushing[entityID] = b
	delete(l.buckets, entityID)
	if b.inflight != 0 {
		l.buckets[entityID] = &bucket{
			entityID: entityID,
			inflight: b.inflight,
			records:  map[string]*database.PredictionRecord{},
		}
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.flushing, entityID)
		l.mu.Unlock()
	}()

	if len(b.records) == 0 {
		return 0
	}
	records := make([]*database.PredictionRecord, 0, len(b.records))
	for _, r := range b.records {
		records = append(records, r)
	}

	var err error
	for attempt := range shared.MaxFlushRetries {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = database.ExecuteTransaction(ctx, l.db, []func(*sql.Tx) error{
			func(tx *sql.Tx) error {
				return database.SaveRecords(ctx, tx, records)
			},
		})
		cancel()
		if err == nil {
			l.log.Infow("Flushed bucket", "entity_id", entityID, "predictions", len(records))
			return 0
		}
		l.log.Errorw("Failed to save predictions", "entity_id", entityID, "attempt", attempt+1, "error", err)
		if attempt+1 < shared.MaxFlushRetries {
			time.Sleep(l.retryDelay)
		}
	}
	l.log.Errorw("Dropping predictions after retries", "entity_id", entityID, "predictions", len(records), "error", err)
	metrics.ErrorCount.WithLabelValues("unknown", entityID.String(), "save_predictions").Inc()
	return 0
}

// Shutdown waits for in flight predictions to finish, then flushes every
// bucket. ctx bounds the wait.
func (l *Ledger) Shutdown(ctx context.Context) {
	if l == nil {
		return
	}
	l.log.Info("Shutting down prediction ledger")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		l.mu.Lock()
		total := uint64(0)
		for _, b := range l.buckets {
			if b.timer != nil {
				b.timer.Stop()
			}
			total += b.inflight
		}
		l.mu.Unlock()
		if total == 0 {
			break
		}
		select {
		case <-ctx.Done():
			l.log.Warnw("Shutdown timed out with predictions in flight", "inflight", total)
		case <-ticker.C:
			continue
		}
		break
	}

	l.mu.Lock()
	ids := make([]shared.ID, 0, len(l.buckets))
	for id := range l.buckets {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.flushWithRetry(id)
		}()
	}
	wg.Wait()
}
