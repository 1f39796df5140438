// Package database defines the insertions and transactions to the ledger
// database
package database

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"model-gateway/internal/shared"
)

// PredictionRecord is one finished prediction, successful or not
type PredictionRecord struct {
	TransactionID    string
	EntityID         shared.ID
	Username         string
	ModelID          string
	DeploymentSystem string
	PayloadType      string
	StatusCode       int
	// stage that failed, empty on success
	Stage          string
	TotalTime      time.Duration
	OffloadedBytes int64
	CreatedAt      time.Time
}

func (r *PredictionRecord) Failed() bool {
	return r.StatusCode >= 400
}

type DailyStats struct {
	Date           string
	EntityID       shared.ID
	ModelID        string
	RequestCount   uint64
	FailedCount    uint64
	OffloadedCount uint64
	OffloadedBytes int64
	TotalTime      int64
}

// SaveRecords inserts the prediction rows and folds them into the daily
// stats of each model
func SaveRecords(ctx context.Context, tx *sql.Tx, records []*PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	records = slices.Clone(records)
	slices.SortFunc(records, func(a, b *PredictionRecord) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.TransactionID, b.TransactionID))
	})

	requestSQLStr := `INSERT INTO prediction (
            transaction_id, entity_id, username, model_id, deployment_system,
            payload_type, status_code, stage, total_time, offloaded_bytes, created_at
        ) VALUES`

	statsSQLStr := `INSERT INTO daily_prediction_stats (
		date, entity_id, model_id, request_count, failed_count, offloaded_count, offloaded_bytes, total_time
	) VALUES`

	today := time.Now().UTC().Format("2006-01-02")
	aggregated := make(map[string]*DailyStats)
	requestVals := []any{}

	for _, r := range records {
		existing, ok := aggregated[r.ModelID]
		if !ok {
			existing = &DailyStats{Date: today, EntityID: r.EntityID, ModelID: r.ModelID}
			aggregated[r.ModelID] = existing
		}
		existing.RequestCount++
		existing.TotalTime += r.TotalTime.Milliseconds()
		if r.Failed() {
			existing.FailedCount++
		}
		if r.PayloadType == string(shared.PayloadURL) {
			existing.OffloadedCount++
			existing.OffloadedBytes += r.OffloadedBytes
		}

		requestSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?),"
		requestVals = append(requestVals,
			r.TransactionID, r.EntityID.String(), r.Username, r.ModelID, r.DeploymentSystem,
			r.PayloadType, r.StatusCode, r.Stage, r.TotalTime.Milliseconds(), r.OffloadedBytes,
			r.CreatedAt,
		)
	}

	statsVals := []any{}
	for _, key := range slices.Sorted(maps.Keys(aggregated)) {
		val := aggregated[key]
		statsSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?),"
		statsVals = append(statsVals, val.Date, val.EntityID.String(), val.ModelID, val.RequestCount, val.FailedCount, val.OffloadedCount, val.OffloadedBytes, val.TotalTime)
	}

	requestSQLStr = strings.TrimSuffix(requestSQLStr, ",")
	statsSQLStr = strings.TrimSuffix(statsSQLStr, ",")
	statsSQLStr += ` ON DUPLICATE KEY UPDATE
		request_count = request_count + VALUES(request_count),
		failed_count = failed_count + VALUES(failed_count),
		offloaded_count = offloaded_count + VALUES(offloaded_count),
		offloaded_bytes = offloaded_bytes + VALUES(offloaded_bytes),
		total_time = total_time + VALUES(total_time)`

	if _, err := tx.ExecContext(ctx, requestSQLStr, requestVals...); err != nil {
		return fmt.Errorf("failed to save predictions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, statsSQLStr, statsVals...); err != nil {
		return fmt.Errorf("failed to save daily stats: %w", err)
	}
	return nil
}

// ExecuteTransaction executes one transaction with one or multiple database executions.
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
