package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/event"
)

// NewPool creates a pgx connection pool for the archive database.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, config)
}

// EventArchive persists projected escrow events for offline querying and
// audit. It implements the projector sink interface; the ledger remains
// the source of truth and the archive can always be rebuilt via Refetch.
type EventArchive struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewEventArchive wraps a pgx pool as an event archive.
func NewEventArchive(pool *pgxpool.Pool, logger zerolog.Logger) *EventArchive {
	return &EventArchive{
		pool: pool,
		log:  logger.With().Str("component", "event_archive").Logger(),
	}
}

// EnsureSchema creates the archive table when missing.
func (a *EventArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pga_events (
			tx_hash      TEXT        NOT NULL,
			log_index    INTEGER     NOT NULL,
			block_number BIGINT      NOT NULL,
			pga_id       TEXT        NOT NULL,
			kind         TEXT        NOT NULL,
			occurred_at  TIMESTAMPTZ NOT NULL,
			payload      JSONB       NOT NULL,
			PRIMARY KEY (tx_hash, log_index)
		);
		CREATE INDEX IF NOT EXISTS pga_events_pga_id_idx
			ON pga_events (pga_id, block_number, log_index);
	`)
	if err != nil {
		return fmt.Errorf("ensure event archive schema: %w", err)
	}
	return nil
}

// Publish inserts one event. Replays are no-ops thanks to the
// (tx_hash, log_index) primary key.
func (a *EventArchive) Publish(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO pga_events (tx_hash, log_index, block_number, pga_id, kind, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`, e.TxHash, int32(e.LogIndex), int64(e.BlockNumber), e.PGAID, string(e.Kind), e.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("archive event %s/%d: %w", e.TxHash, e.LogIndex, err)
	}
	return nil
}

// ListByPGA returns archived events for one agreement in emission order.
func (a *EventArchive) ListByPGA(ctx context.Context, pgaID string) ([]event.Event, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT tx_hash, log_index, block_number, pga_id, kind, occurred_at, payload
		FROM pga_events
		WHERE pga_id = $1
		ORDER BY block_number, log_index
	`, pgaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			e        event.Event
			logIndex int32
			block    int64
			kind     string
			payload  []byte
		)
		if err := rows.Scan(&e.TxHash, &logIndex, &block, &e.PGAID, &kind, &e.Timestamp, &payload); err != nil {
			return nil, err
		}
		e.LogIndex = uint32(logIndex)
		e.BlockNumber = uint64(block)
		decoded, err := event.DecodePayload(kind, payload)
		if err != nil {
			decoded = event.UnknownPayload{RawKind: kind, Data: payload}
		}
		e.Kind = decoded.EventKind()
		e.Payload = decoded
		out = append(out, e)
	}
	return out, rows.Err()
}
