package apply

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/errkind"
)

// batchHeader is the JSON comment transform.Header renders after BEGIN/COMMIT
// markers in a SQL batch file.
type batchHeader struct {
	XID uint32 `json:"xid"`
	LSN string `json:"lsn"`
}

// ApplyBatchFile executes one SQL batch file produced by
// transform.Transformer.TransformFile against pool, skipping any transaction
// whose header LSN is at or below resumeFrom (the origin's last advanced
// LSN), and returns the highest commit LSN it actually applied.
func ApplyBatchFile(ctx context.Context, pool *pgxpool.Pool, originID, path string, resumeFrom pglogrepl.LSN, logger zerolog.Logger) (pglogrepl.LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open batch file %s: %w", path, err)
	}
	defer f.Close()
	lsn, err := applyBatch(ctx, pool, originID, f, resumeFrom, logger)
	if err != nil {
		return lsn, fmt.Errorf("apply batch file %s: %w", path, err)
	}
	return lsn, nil
}

func applyBatch(ctx context.Context, pool *pgxpool.Pool, originID string, r io.Reader, resumeFrom pglogrepl.LSN, logger zerolog.Logger) (pglogrepl.LSN, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var lastLSN pglogrepl.LSN
	var tx pgx.Tx
	var skipping bool

	beginTx := func() error {
		var err error
		tx, err = pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin batch tx: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_replication_origin_session_setup($1)`, originID); err != nil {
			_ = tx.Rollback(ctx)
			tx = nil
			return fmt.Errorf("replication origin session setup: %w", err)
		}
		return nil
	}

	for sc.Scan() {
		if ctx.Err() != nil {
			return lastLSN, ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "BEGIN;"):
			h := parseHeaderComment(line)
			beginLSN, _ := pglogrepl.ParseLSN(h.LSN)
			if beginLSN != 0 && beginLSN <= resumeFrom {
				skipping = true
				continue
			}
			skipping = false
			if err := beginTx(); err != nil {
				return lastLSN, err
			}

		case strings.HasPrefix(line, "COMMIT;"):
			if skipping {
				skipping = false
				continue
			}
			if tx == nil {
				continue
			}
			h := parseHeaderComment(line)
			if h.LSN != "" {
				commitLSN, err := pglogrepl.ParseLSN(h.LSN)
				if err != nil {
					_ = tx.Rollback(ctx)
					tx = nil
					return lastLSN, fmt.Errorf("parse batch commit lsn %q: %w", h.LSN, err)
				}
				if _, err := tx.Exec(ctx, `SELECT pg_replication_origin_xact_setup($1, now())`, uint64(commitLSN)); err != nil {
					_ = tx.Rollback(ctx)
					tx = nil
					return lastLSN, fmt.Errorf("replication origin xact setup: %w", err)
				}
				lastLSN = commitLSN
			}
			if err := tx.Commit(ctx); err != nil {
				tx = nil
				return lastLSN, fmt.Errorf("commit batch tx: %w", err)
			}
			tx = nil
			logger.Debug().Stringer("lsn", lastLSN).Msg("applied batch transaction")

		default:
			if skipping {
				continue
			}
			if tx == nil {
				logger.Warn().Msg("batch statement outside transaction, skipping")
				continue
			}
			if _, err := tx.Exec(ctx, line); err != nil {
				_ = tx.Rollback(ctx)
				tx = nil
				return lastLSN, fmt.Errorf("%w: %v", errkind.ApplyConflict, err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return lastLSN, fmt.Errorf("read batch: %w", err)
	}
	return lastLSN, nil
}

func parseHeaderComment(line string) batchHeader {
	var h batchHeader
	idx := strings.Index(line, "-- ")
	if idx < 0 {
		return h
	}
	_ = json.Unmarshal([]byte(line[idx+3:]), &h)
	return h
}
