// Package snapshot implements the "pgclone snapshot" helper process. It
// opens a REPEATABLE READ, READ ONLY transaction on the source, exports it
// with pg_export_snapshot(), and holds the transaction open so every table-
// copy worker, the large-object copier, and the sequence discovery pass can
// SET TRANSACTION SNAPSHOT onto the exact same consistent view — the same
// guarantee a single long COPY transaction would give, but spread across a
// worker pool. The transaction must stay open for as long as any worker
// might still import the snapshot; closing it early invalidates every
// worker that has not yet started.
package snapshot

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Holder keeps one source connection pinned in a repeatable-read
// transaction for the lifetime of a clone run.
type Holder struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	conn *pgxpool.Conn
	tx   pgx.Tx

	id string
}

// New builds a Holder against pool. Call Open to actually acquire the
// connection and export the snapshot.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Holder {
	return &Holder{pool: pool, logger: logger.With().Str("component", "snapshot").Logger()}
}

// Open acquires a dedicated connection, begins a REPEATABLE READ READ ONLY
// transaction, and exports its snapshot. The returned ID is what every
// worker's "SET TRANSACTION SNAPSHOT '<id>'" refers to.
func (h *Holder) Open(ctx context.Context) (string, error) {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire snapshot connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Release()
		return "", fmt.Errorf("begin snapshot tx: %w", err)
	}

	var id string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&id); err != nil {
		_ = tx.Rollback(ctx)
		conn.Release()
		return "", fmt.Errorf("export snapshot: %w", err)
	}

	h.conn = conn
	h.tx = tx
	h.id = id
	h.logger.Info().Str("snapshot_id", id).Msg("snapshot exported")
	return id, nil
}

// ID returns the exported snapshot identifier, empty if Open has not run.
func (h *Holder) ID() string { return h.id }

// Hold blocks until ctx is cancelled, keeping the underlying transaction
// (and therefore the exported snapshot) valid the whole time.
func (h *Holder) Hold(ctx context.Context) {
	<-ctx.Done()
}

// Release rolls back the holding transaction and returns the connection to
// the pool. Once called, the exported snapshot ID is no longer valid for
// any worker that has not already used it.
func (h *Holder) Release(ctx context.Context) error {
	if h.tx == nil {
		return nil
	}
	err := h.tx.Rollback(ctx)
	h.conn.Release()
	h.tx, h.conn = nil, nil
	if err != nil {
		return fmt.Errorf("release snapshot: %w", err)
	}
	h.logger.Info().Str("snapshot_id", h.id).Msg("snapshot released")
	return nil
}
