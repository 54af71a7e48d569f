// Package receiver is the logical-replication consumer: it speaks the
// START_REPLICATION wire protocol via pglogrepl, tracks relation metadata
// across the stream, coalesces staged BEGIN messages so empty transactions
// never reach downstream consumers, and emits decoded messages on a
// channel for the segment writer to persist.
//
// The pgoutput-specific decode path lives in decodeWALData; a future
// wal2json-style plugin only needs a second decode function selected by
// Setup.Plugin; the surrounding connect/keepalive/standby-status machinery
// is plugin-agnostic and does not need to change.
package receiver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/cdc/message"
	"github.com/jfoltran/pgclone/internal/errkind"
)

// Receiver consumes WAL data via pglogrepl and emits message.Message values
// on a channel until it reaches EndLSN (if set) or its context is cancelled.
type Receiver struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	slotName    string
	publication string
	startLSN    pglogrepl.LSN
	endLSN      pglogrepl.LSN // zero means stream indefinitely

	relations map[uint32]*message.RelationMessage
	origin    string

	pendingBegin   *message.BeginMessage
	emptyTxSkipped int64

	mu             sync.Mutex
	confirmedLSN   pglogrepl.LSN
	serverWALEnd   pglogrepl.LSN
	lastStatusTime time.Time
	loopErr        error

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Receiver bound to an already-established replication
// connection. endLSN of zero means "no end position".
func New(conn *pgconn.PgConn, slotName, publication string, endLSN pglogrepl.LSN, logger zerolog.Logger) *Receiver {
	return &Receiver{
		conn:        conn,
		logger:      logger.With().Str("component", "receiver").Logger(),
		slotName:    strings.ReplaceAll(slotName, "-", "_"),
		publication: publication,
		endLSN:      endLSN,
		relations:   make(map[uint32]*message.RelationMessage),
		done:        make(chan struct{}),
	}
}

// CreateSlot creates a replication slot and returns its exported snapshot
// name. If startLSN is non-zero, no slot is created (resume path) and the
// snapshot name is empty.
func (r *Receiver) CreateSlot(ctx context.Context, startLSN pglogrepl.LSN) (string, error) {
	r.startLSN = startLSN
	if startLSN != 0 {
		return "", nil
	}

	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL pgoutput (SNAPSHOT 'export')`, r.slotName)
	result, err := pglogrepl.ParseCreateReplicationSlot(r.conn.Exec(ctx, sql))
	if err != nil {
		return "", fmt.Errorf("create replication slot: %w", err)
	}
	parsedLSN, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", fmt.Errorf("parse consistent point LSN: %w", err)
	}
	r.startLSN = parsedLSN
	r.logger.Info().Str("slot", r.slotName).Str("snapshot", result.SnapshotName).
		Stringer("lsn", r.startLSN).Msg("created replication slot")
	return result.SnapshotName, nil
}

// StartLSN returns the LSN streaming will begin from.
func (r *Receiver) StartLSN() pglogrepl.LSN { return r.startLSN }

// StartStreaming begins consuming WAL. This invalidates the snapshot
// returned by CreateSlot.
func (r *Receiver) StartStreaming(ctx context.Context) (<-chan message.Message, error) {
	err := pglogrepl.StartReplication(ctx, r.conn, r.slotName, r.startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", r.publication),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("start replication: %w", err)
	}

	r.confirmedLSN = r.startLSN
	r.lastStatusTime = time.Now()

	ch := make(chan message.Message, 4096)
	ctx, r.cancel = context.WithCancel(ctx)
	go r.receiveLoop(ctx, ch)
	return ch, nil
}

func (r *Receiver) receiveLoop(ctx context.Context, ch chan<- message.Message) {
	defer close(ch)
	defer close(r.done)

	const standbyInterval = 1 * time.Second
	const recvTimeout = 2 * time.Second
	var msgCount int64
	lastDiag := time.Now()

	setErr := func(err error) {
		r.mu.Lock()
		r.loopErr = err
		r.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(r.lastStatusTime) >= standbyInterval {
			if err := r.sendStandbyStatus(ctx, r.effectiveLSN(ch)); err != nil {
				r.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := r.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			r.logger.Err(err).Msg("receive message failed")
			setErr(fmt.Errorf("%w: %v", errkind.ReplicationDisconnected, err))
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			r.logger.Error().Str("severity", errResp.Severity).Str("code", errResp.Code).
				Str("message", errResp.Message).Str("detail", errResp.Detail).
				Msg("server error from replication stream")
			setErr(fmt.Errorf("%w: %s (SQLSTATE %s)", errkind.ReplicationDisconnected, errResp.Message, errResp.Code))
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse keepalive")
				continue
			}
			r.mu.Lock()
			if pglogrepl.LSN(pkm.ServerWALEnd) > r.serverWALEnd {
				r.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
			}
			r.mu.Unlock()
			if pkm.ReplyRequested {
				if err := r.sendStandbyStatus(ctx, r.effectiveLSN(ch)); err != nil {
					r.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse xlogdata")
				continue
			}

			r.mu.Lock()
			if pglogrepl.LSN(xld.ServerWALEnd) > r.serverWALEnd {
				r.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			r.mu.Unlock()

			msgCount++
			if time.Since(lastDiag) >= 10*time.Second {
				r.mu.Lock()
				lsn := r.confirmedLSN
				r.mu.Unlock()
				r.logger.Info().Int64("msgs", msgCount).Int("ch_len", len(ch)).Int("ch_cap", cap(ch)).
					Stringer("wal_pos", pglogrepl.LSN(xld.WALStart)).Stringer("confirmed", lsn).
					Int64("empty_tx_skipped", r.emptyTxSkipped).Msg("receiver throughput")
				lastDiag = time.Now()
			}
			r.decodeWALData(ctx, ch, xld)

			if r.endLSN != 0 && pglogrepl.LSN(xld.WALStart) >= r.endLSN {
				setErr(errkind.EndposReached)
				return
			}
		}
	}
}

func (r *Receiver) decodeWALData(ctx context.Context, ch chan<- message.Message, xld pglogrepl.XLogData) {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		r.logger.Err(err).Msg("parse WAL data")
		return
	}

	walLSN := pglogrepl.LSN(xld.WALStart)
	now := time.Now()

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		r.pendingBegin = &message.BeginMessage{
			TxnLSN:  pglogrepl.LSN(msg.FinalLSN),
			TxnTime: msg.CommitTime,
			XID:     msg.Xid,
		}

	case *pglogrepl.CommitMessage:
		if r.pendingBegin != nil {
			r.emptyTxSkipped++
			r.pendingBegin = nil
		} else {
			r.emit(ctx, ch, &message.CommitMessage{CommitLSN: pglogrepl.LSN(msg.CommitLSN), TxnTime: msg.CommitTime})
		}

	case *pglogrepl.RelationMessage:
		cols := make([]message.Column, len(msg.Columns))
		for i, c := range msg.Columns {
			cols[i] = message.Column{Name: c.Name, DataType: c.DataType}
		}
		rel := &message.RelationMessage{
			RelationID: msg.RelationID,
			Namespace:  msg.Namespace,
			Name:       msg.RelationName,
			Columns:    cols,
			MsgLSN:     walLSN,
			MsgTime:    now,
		}
		r.relations[msg.RelationID] = rel
		r.flushPendingBegin(ctx, ch)
		r.emit(ctx, ch, rel)

	case *pglogrepl.InsertMessage:
		rel := r.relations[msg.RelationID]
		if rel == nil {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for insert")
			return
		}
		r.flushPendingBegin(ctx, ch)
		r.emit(ctx, ch, &message.ChangeMessage{
			Op: message.OpInsert, RelationID: msg.RelationID, Namespace: rel.Namespace, Table: rel.Name,
			NewTuple: decodeTuple(msg.Tuple, rel.Columns), MsgLSN: walLSN, MsgTime: now, Origin: r.origin,
		})

	case *pglogrepl.UpdateMessage:
		rel := r.relations[msg.RelationID]
		if rel == nil {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for update")
			return
		}
		r.flushPendingBegin(ctx, ch)
		cm := &message.ChangeMessage{
			Op: message.OpUpdate, RelationID: msg.RelationID, Namespace: rel.Namespace, Table: rel.Name,
			NewTuple: decodeTuple(msg.NewTuple, rel.Columns), MsgLSN: walLSN, MsgTime: now, Origin: r.origin,
		}
		if msg.OldTuple != nil {
			cm.OldTuple = decodeTuple(msg.OldTuple, rel.Columns)
		}
		r.emit(ctx, ch, cm)

	case *pglogrepl.DeleteMessage:
		rel := r.relations[msg.RelationID]
		if rel == nil {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for delete")
			return
		}
		r.flushPendingBegin(ctx, ch)
		r.emit(ctx, ch, &message.ChangeMessage{
			Op: message.OpDelete, RelationID: msg.RelationID, Namespace: rel.Namespace, Table: rel.Name,
			OldTuple: decodeTuple(msg.OldTuple, rel.Columns), MsgLSN: walLSN, MsgTime: now, Origin: r.origin,
		})

	case *pglogrepl.OriginMessage:
		r.origin = msg.Name
	}
}

func (r *Receiver) flushPendingBegin(ctx context.Context, ch chan<- message.Message) {
	if r.pendingBegin != nil {
		r.emit(ctx, ch, r.pendingBegin)
		r.pendingBegin = nil
	}
}

func decodeTuple(tuple *pglogrepl.TupleData, cols []message.Column) *message.TupleData {
	if tuple == nil {
		return nil
	}
	td := &message.TupleData{Columns: make([]message.Column, len(tuple.Columns))}
	for i, c := range tuple.Columns {
		col := message.Column{Value: c.Data}
		if i < len(cols) {
			col.Name = cols[i].Name
			col.DataType = cols[i].DataType
		}
		td.Columns[i] = col
	}
	return td
}

func (r *Receiver) emit(ctx context.Context, ch chan<- message.Message, msg message.Message) {
	for {
		select {
		case ch <- msg:
			return
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(r.lastStatusTime) >= 1*time.Second {
			r.mu.Lock()
			lsn := r.confirmedLSN
			r.mu.Unlock()
			if err := r.sendStandbyStatus(ctx, lsn); err != nil {
				r.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}

		t := time.NewTimer(100 * time.Millisecond)
		select {
		case ch <- msg:
			t.Stop()
			return
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (r *Receiver) sendStandbyStatus(ctx context.Context, lsn pglogrepl.LSN) error {
	r.lastStatusTime = time.Now()
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn,
		pglogrepl.StandbyStatusUpdate{WALWritePosition: lsn, WALFlushPosition: lsn, WALApplyPosition: lsn})
}

func (r *Receiver) effectiveLSN(ch chan<- message.Message) pglogrepl.LSN {
	r.mu.Lock()
	confirmed := r.confirmedLSN
	serverEnd := r.serverWALEnd
	r.mu.Unlock()
	if len(ch) == 0 && serverEnd > confirmed {
		return serverEnd
	}
	return confirmed
}

// Err returns the error that ended the receive loop, if any. It is safe to
// call after the message channel has closed. errkind.EndposReached is a
// normal termination, not a failure.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopErr
}

// ConfirmLSN advances the confirmed flush position reported to the server.
func (r *Receiver) ConfirmLSN(lsn pglogrepl.LSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lsn > r.confirmedLSN {
		r.confirmedLSN = lsn
	}
}

// Close shuts down the receiver and waits for the receive loop to exit.
func (r *Receiver) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
