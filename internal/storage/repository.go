package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertObservationSQL = `INSERT INTO observations (
        cycle_ts,
        stream,
        selector,
        fresh_price,
        last_price,
        last_updated,
        deviation_per_mille,
        reason,
        triggered,
        tx_hash,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (cycle_ts, stream) DO UPDATE
    SET
        fresh_price         = EXCLUDED.fresh_price,
        last_price          = EXCLUDED.last_price,
        last_updated        = EXCLUDED.last_updated,
        deviation_per_mille = EXCLUDED.deviation_per_mille,
        reason              = EXCLUDED.reason,
        triggered           = EXCLUDED.triggered,
        tx_hash             = EXCLUDED.tx_hash,
        error               = EXCLUDED.error;`

	listObservationsBetweenSQL = `SELECT
        cycle_ts,
        stream,
        selector,
        fresh_price,
        last_price,
        last_updated,
        deviation_per_mille,
        reason,
        triggered,
        tx_hash,
        error,
        created_at
    FROM observations
    WHERE stream = $1
      AND cycle_ts >= $2
      AND cycle_ts < $3
    ORDER BY cycle_ts;`

	insertTriggerSQL = `INSERT INTO triggers (
        tx_hash,
        stream,
        selector,
        reason,
        nonce,
        status,
        error,
        submitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id;`

	settleTriggerSQL = `UPDATE triggers
    SET status = $2, block_number = $3, gas_used = $4, error = $5, settled_at = now()
    WHERE tx_hash = $1;`

	listRecentTriggersSQL = `SELECT
        id,
        tx_hash,
        stream,
        selector,
        reason,
        nonce,
        status,
        block_number,
        gas_used,
        error,
        submitted_at,
        settled_at
    FROM triggers
    ORDER BY submitted_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore persists per-cycle stream evaluations.
type ObservationStore interface {
	InsertObservation(ctx context.Context, obs Observation) error
	ListObservationsBetween(ctx context.Context, stream string, from, to time.Time) ([]Observation, error)
}

// TriggerStore persists submitted triggers and their settlement.
type TriggerStore interface {
	InsertTrigger(ctx context.Context, rec TriggerRecord) (int64, error)
	SettleTrigger(ctx context.Context, txHash, status string, block, gasUsed *int64, errMsg *string) error
	ListRecentTriggers(ctx context.Context, limit int) ([]TriggerRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations and triggers.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also goes away with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertObservation persists or replaces one stream evaluation.
func (s *Store) InsertObservation(ctx context.Context, obs Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var txHash interface{}
	if obs.TxHash != nil {
		txHash = *obs.TxHash
	}
	var errMsg interface{}
	if obs.Error != nil {
		errMsg = *obs.Error
	}

	_, execErr := pool.Exec(ctx, insertObservationSQL,
		obs.CycleTS,
		obs.Stream,
		obs.Selector,
		obs.FreshPrice.String(),
		obs.LastPrice.String(),
		obs.LastUpdated,
		obs.DeviationPerMille,
		obs.Reason,
		obs.Triggered,
		txHash,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert observation: %w", execErr)
	}
	return nil
}

// ListObservationsBetween lists a stream's observations within a time window.
func (s *Store) ListObservationsBetween(ctx context.Context, stream string, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, stream, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// InsertTrigger records a submitted (or failed) trigger.
func (s *Store) InsertTrigger(ctx context.Context, rec TriggerRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	var id int64
	if scanErr := pool.QueryRow(ctx, insertTriggerSQL,
		rec.TxHash,
		rec.Stream,
		rec.Selector,
		rec.Reason,
		rec.Nonce,
		rec.Status,
		errMsg,
		rec.SubmittedAt,
	).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert trigger: %w", scanErr)
	}
	return id, nil
}

// SettleTrigger stores the watcher outcome of a trigger.
func (s *Store) SettleTrigger(ctx context.Context, txHash, status string, block, gasUsed *int64, errMsg *string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var blockArg, gasArg, errArg interface{}
	if block != nil {
		blockArg = *block
	}
	if gasUsed != nil {
		gasArg = *gasUsed
	}
	if errMsg != nil {
		errArg = *errMsg
	}

	cmdTag, execErr := pool.Exec(ctx, settleTriggerSQL, txHash, status, blockArg, gasArg, errArg)
	if execErr != nil {
		return fmt.Errorf("settle trigger: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentTriggers lists the most recent triggers, newest first.
func (s *Store) ListRecentTriggers(ctx context.Context, limit int) ([]TriggerRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTriggersSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent triggers: %w", queryErr)
	}
	defer rows.Close()

	records := make([]TriggerRecord, 0, limit)
	for rows.Next() {
		var (
			rec       TriggerRecord
			block     sql.NullInt64
			gasUsed   sql.NullInt64
			errMsg    sql.NullString
			settledAt sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.TxHash,
			&rec.Stream,
			&rec.Selector,
			&rec.Reason,
			&rec.Nonce,
			&rec.Status,
			&block,
			&gasUsed,
			&errMsg,
			&rec.SubmittedAt,
			&settledAt,
		); err != nil {
			return nil, err
		}
		if block.Valid {
			v := block.Int64
			rec.BlockNumber = &v
		}
		if gasUsed.Valid {
			v := gasUsed.Int64
			rec.GasUsed = &v
		}
		if errMsg.Valid {
			v := errMsg.String
			rec.Error = &v
		}
		if settledAt.Valid {
			v := settledAt.Time
			rec.SettledAt = &v
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanObservation(rows pgx.Rows) (Observation, error) {
	var (
		cycleTS     time.Time
		stream      string
		sel         string
		freshStr    string
		lastStr     string
		lastUpdated time.Time
		perMille    int64
		reason      string
		triggered   bool
		txHash      sql.NullString
		errMsg      sql.NullString
		createdAt   time.Time
	)

	if err := rows.Scan(
		&cycleTS,
		&stream,
		&sel,
		&freshStr,
		&lastStr,
		&lastUpdated,
		&perMille,
		&reason,
		&triggered,
		&txHash,
		&errMsg,
		&createdAt,
	); err != nil {
		return Observation{}, err
	}

	fresh, err := decimal.NewFromString(freshStr)
	if err != nil {
		return Observation{}, fmt.Errorf("parse fresh price: %w", err)
	}
	last, err := decimal.NewFromString(lastStr)
	if err != nil {
		return Observation{}, fmt.Errorf("parse last price: %w", err)
	}

	obs := Observation{
		CycleTS:           cycleTS,
		Stream:            stream,
		Selector:          sel,
		FreshPrice:        fresh,
		LastPrice:         last,
		LastUpdated:       lastUpdated,
		DeviationPerMille: perMille,
		Reason:            reason,
		Triggered:         triggered,
		CreatedAt:         createdAt,
	}
	if txHash.Valid {
		v := txHash.String
		obs.TxHash = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		obs.Error = &v
	}
	return obs, nil
}
