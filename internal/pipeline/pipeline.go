// Package pipeline is the top-level driver the CLI talks to: it owns the
// connections, the working directory and catalog set, and sequences the
// supervisor's clone phase with the CDC receiver/applier follow phase,
// reporting both through the same metrics.Collector the dashboard and API
// server subscribe to.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/apply"
	"github.com/jfoltran/pgclone/internal/cdc/followleader"
	"github.com/jfoltran/pgclone/internal/cdc/message"
	"github.com/jfoltran/pgclone/internal/cdc/receiver"
	"github.com/jfoltran/pgclone/internal/cdc/segment"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/copy"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/sentinel"
	"github.com/jfoltran/pgclone/internal/supervisor"
	"github.com/jfoltran/pgclone/internal/workdir"
)

// Progress reports the current state of the pipeline.
type Progress struct {
	Phase        string
	LastLSN      pglogrepl.LSN
	TablesTotal  int
	TablesCopied int
	StartedAt    time.Time
}

// Pipeline sequences a clone run (schema + data via the supervisor) and an
// optional CDC follow phase (receiver → applier) against one working
// directory's catalog set.
type Pipeline struct {
	cfg    *config.Config
	logger zerolog.Logger

	dir *workdir.Dir
	cat *catalog.Set

	replConn  *pgconn.PgConn
	sup       *supervisor.Supervisor
	receiver  *receiver.Receiver
	segWriter *segment.Writer
	applier   *apply.Applier
	sentinel  *sentinel.Coordinator
	follow    *followleader.Machine

	Metrics   *metrics.Collector
	persister *metrics.StatePersister

	mu       sync.Mutex
	progress Progress

	cancel context.CancelFunc
}

// New creates a new Pipeline from the given configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		progress: Progress{Phase: "idle"},
		Metrics:  metrics.NewCollector(logger),
	}
}

// SetLogger replaces the pipeline logger, used to redirect log output into
// the TUI's collector instead of stderr.
func (p *Pipeline) SetLogger(logger zerolog.Logger) {
	p.logger = logger.With().Str("component", "pipeline").Logger()
}

// Config returns the pipeline configuration (for API exposure).
func (p *Pipeline) Config() *config.Config { return p.cfg }

func (p *Pipeline) open(ctx context.Context) error {
	dir, err := workdir.Open(p.cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("open working directory: %w", err)
	}
	p.dir = dir

	cat, err := catalog.OpenSet(dir.RunDir, p.logger)
	if err != nil {
		dir.Close() //nolint:errcheck
		return fmt.Errorf("open catalog: %w", err)
	}
	p.cat = cat

	p.sup = supervisor.New(p.cfg, dir, cat, p.logger)
	if err := p.sup.Connect(ctx); err != nil {
		return err
	}
	p.sentinel = sentinel.New(cat.Target, p.logger)
	return nil
}

func (p *Pipeline) startPersister() {
	persister, err := metrics.NewStatePersister(p.Metrics, p.logger)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to start state persister")
		return
	}
	p.persister = persister
	p.persister.Start()
}

// RunClone performs schema copy + full data copy (no CDC follow).
func (p *Pipeline) RunClone(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.setPhase("connecting")
	p.startPersister()

	if err := p.open(ctx); err != nil {
		return err
	}
	p.wireCopyMetrics()

	p.setPhase("copy")
	if err := p.sup.Run(ctx); err != nil {
		p.Metrics.RecordError(err)
		return err
	}

	p.setPhase("done")
	p.logger.Info().Msg("clone completed")
	return nil
}

// RunCloneAndFollow performs clone then transitions to CDC streaming.
func (p *Pipeline) RunCloneAndFollow(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.setPhase("connecting")
	p.startPersister()

	if err := p.open(ctx); err != nil {
		return err
	}
	p.wireCopyMetrics()

	p.setPhase("copy")
	if err := p.sup.Run(ctx); err != nil {
		p.Metrics.RecordError(err)
		return err
	}

	p.logger.Info().Msg("copy complete, switching to CDC streaming")
	return p.runFollowFrom(ctx, 0)
}

// RunResumeCloneAndFollow resumes an interrupted clone by re-running the
// same plan as RunCloneAndFollow and then falling into CDC. The table-copy
// pool does not consult part status, so every part is copied again.
func (p *Pipeline) RunResumeCloneAndFollow(ctx context.Context) error {
	return p.RunCloneAndFollow(ctx)
}

// RunFollow starts CDC streaming from the given LSN. A zero startLSN creates
// the replication slot first; any other value requires the slot to exist.
func (p *Pipeline) RunFollow(ctx context.Context, startLSN pglogrepl.LSN) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.setPhase("connecting")
	p.startPersister()

	if err := p.open(ctx); err != nil {
		return err
	}
	return p.runFollowFrom(ctx, startLSN)
}

func (p *Pipeline) runFollowFrom(ctx context.Context, startLSN pglogrepl.LSN) error {
	connTimeout := 30 * time.Second
	replCtx, cancel := context.WithTimeout(ctx, connTimeout)
	replConn, err := pgconn.Connect(replCtx, p.cfg.Source.ReplicationDSN())
	cancel()
	if err != nil {
		return fmt.Errorf("replication connection: %w", err)
	}
	p.replConn = replConn

	p.receiver = receiver.New(replConn, p.cfg.Replication.SlotName, p.cfg.Replication.Publication, 0, p.logger)
	if _, err := p.receiver.CreateSlot(ctx, startLSN); err != nil {
		return fmt.Errorf("create slot: %w", err)
	}
	msgCh, err := p.receiver.StartStreaming(ctx)
	if err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	if err := p.sentinel.SetStartPos(p.receiver.StartLSN()); err != nil {
		p.logger.Warn().Err(err).Msg("record sentinel start position")
	}

	originID := p.cfg.Replication.OriginID
	if originID == "" {
		originID = p.cfg.Replication.SlotName
	}
	if _, err := apply.EnsureOrigin(ctx, p.sup.TargetPool(), originID); err != nil {
		return fmt.Errorf("ensure replication origin: %w", err)
	}
	p.applier = apply.NewApplier(p.sup.TargetPool(), originID, p.logger)

	// The receiver's channel has exactly one reader: the segment writer.
	// Apply never reads it directly — it always reads back through a
	// Tailer, whether that tailer is caught up to the file currently being
	// written (replay) or working through a backlog of sealed files
	// (prefetch/catchup). That single path is what makes the prefetch ->
	// replay switch in followleader meaningful instead of dead wiring.
	p.segWriter = segment.NewWriter(p.dir.CDCDir)
	tailer := segment.NewTailer(p.dir.CDCDir)
	applyCh := make(chan message.Message, 4096)

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := p.segWriter.Drain(msgCh)
		writeErrCh <- err
	}()

	tailErrCh := make(chan error, 1)
	go func() {
		tailErrCh <- tailer.Run(ctx, applyCh)
	}()

	backlog := func() int { return len(applyCh) }
	p.follow = followleader.New(backlog, tailer.Pending, p.logger)
	p.follow.Start()
	go p.follow.Run(ctx, time.Second)
	if err := p.sentinel.SetApplyMode(p.follow.State()); err != nil {
		p.logger.Warn().Err(err).Msg("record sentinel apply mode")
	}

	p.setPhase("streaming")
	applyErr := p.applier.Start(ctx, applyCh, func(lsn pglogrepl.LSN) {
		p.receiver.ConfirmLSN(lsn)
		p.mu.Lock()
		p.progress.LastLSN = lsn
		p.mu.Unlock()
		p.Metrics.RecordApplied(lsn, 1, 0)
		p.Metrics.RecordConfirmedLSN(lsn)
		if err := p.sentinel.RecordProgress(lsn, lsn, lsn); err != nil {
			p.logger.Warn().Err(err).Msg("record sentinel progress")
		}
	})
	if applyErr != nil {
		return applyErr
	}
	if err := <-writeErrCh; err != nil {
		return fmt.Errorf("segment writer: %w", err)
	}
	if err := <-tailErrCh; err != nil && ctx.Err() == nil {
		return fmt.Errorf("segment tailer: %w", err)
	}
	return nil
}

// RunSwitchover sets the sentinel's cutover end position to the applier's
// last applied LSN and returns once the sentinel row holds a non-zero end
// position. That position is already applied, so it does not wait for
// further apply progress, and it does not compare against the source's
// current WAL position.
func (p *Pipeline) RunSwitchover(ctx context.Context, timeout time.Duration) error {
	if p.sentinel == nil || p.applier == nil {
		return fmt.Errorf("pipeline is not streaming — run follow first")
	}

	p.setPhase("switchover")
	endLSN := p.applier.LastLSN()
	if err := p.sentinel.SetEndPos(endLSN); err != nil {
		return fmt.Errorf("set sentinel end position: %w", err)
	}

	if _, err := p.sentinel.WaitForEndPos(ctx, 200*time.Millisecond, timeout); err != nil {
		return fmt.Errorf("switchover: %w", err)
	}

	p.setPhase("switchover-complete")
	p.logger.Info().Msg("switchover confirmed — destination is caught up")
	return nil
}

// SetupReverseReplication prepares the destination to act as a new
// replication source after switchover: it creates a publication and
// logical replication slot on the destination so a reverse pipeline can
// follow it back. Returns the slot name and the LSN to start streaming
// from. Call DropForwardSlot afterward to retire the original slot.
func (p *Pipeline) SetupReverseReplication(ctx context.Context) (slotName string, startLSN pglogrepl.LSN, err error) {
	reverseSlot := p.cfg.Replication.SlotName + "_reverse"
	reversePub := p.cfg.Replication.Publication + "_reverse"

	var walLevel string
	if err := p.sup.TargetPool().QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return "", 0, fmt.Errorf("check destination wal_level: %w", err)
	}
	if walLevel != "logical" {
		return "", 0, fmt.Errorf("destination wal_level is %q, must be \"logical\" for reverse replication", walLevel)
	}

	var pubExists bool
	err = p.sup.TargetPool().QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)", reversePub).Scan(&pubExists)
	if err != nil {
		return "", 0, fmt.Errorf("check reverse publication: %w", err)
	}
	if !pubExists {
		_, err = p.sup.TargetPool().Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %q FOR ALL TABLES", reversePub))
		if err != nil {
			return "", 0, fmt.Errorf("create reverse publication: %w", err)
		}
		p.logger.Info().Str("publication", reversePub).Msg("created reverse publication on destination")
	}

	connTimeout := 30 * time.Second
	replCtx, replCancel := context.WithTimeout(ctx, connTimeout)
	destReplConn, err := pgconn.Connect(replCtx, p.cfg.Dest.ReplicationDSN())
	replCancel()
	if err != nil {
		return "", 0, fmt.Errorf("reverse replication connection: %w", err)
	}
	defer destReplConn.Close(ctx) //nolint:errcheck

	reverseReceiver := receiver.New(destReplConn, reverseSlot, reversePub, 0, p.logger)
	if _, err := reverseReceiver.CreateSlot(ctx, 0); err != nil {
		return "", 0, fmt.Errorf("create reverse replication slot: %w", err)
	}
	reverseLSN := reverseReceiver.StartLSN()
	reverseReceiver.Close()

	p.logger.Info().
		Str("slot", reverseSlot).
		Str("publication", reversePub).
		Stringer("start_lsn", reverseLSN).
		Msg("reverse replication infrastructure ready")

	p.logger.Info().Str("forward_slot", p.cfg.Replication.SlotName).Msg("forward slot should be dropped after pipeline close")
	return reverseSlot, reverseLSN, nil
}

// DropForwardSlot drops the forward replication slot on the source. Call
// this after Close(), once the slot is no longer in use, to retire it
// after a fallback switchover has set up reverse replication.
func (p *Pipeline) DropForwardSlot(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.cfg.Source.DSN())
	if err != nil {
		return fmt.Errorf("connect to source for slot drop: %w", err)
	}
	defer pool.Close()

	_, err = pool.Exec(ctx,
		"SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1 AND NOT active",
		p.cfg.Replication.SlotName)
	if err != nil {
		return fmt.Errorf("drop forward slot: %w", err)
	}
	return nil
}

// Status returns a snapshot of the current pipeline progress.
func (p *Pipeline) Status() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Close shuts down all pipeline components and connections.
func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.follow != nil {
		p.follow.Finish()
	}
	if p.Metrics != nil {
		p.Metrics.Close()
	}
	if p.persister != nil {
		p.persister.Stop()
	}
	if p.receiver != nil {
		p.receiver.Close()
	}
	if p.replConn != nil {
		p.replConn.Close(context.Background()) //nolint:errcheck
	}
	if p.sup != nil {
		p.sup.Close()
	}
	if p.cat != nil {
		p.cat.Close() //nolint:errcheck
	}
	if p.dir != nil {
		p.dir.Close() //nolint:errcheck
	}
}

func (p *Pipeline) setPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.Phase = phase
	if p.progress.StartedAt.IsZero() {
		p.progress.StartedAt = time.Now()
	}
	p.logger.Info().Str("phase", phase).Msg("phase transition")
	p.Metrics.SetPhase(phase)
}

// wireCopyMetrics hooks the supervisor's table-copy pool progress into the
// dashboard collector.
func (p *Pipeline) wireCopyMetrics() {
	var lastReported sync.Map
	p.sup.OnCopyEvent(func(j copy.Job, event string, rowsCopied int64) {
		key := j.QualName
		switch event {
		case "start":
			lastReported.Store(key, int64(0))
			schema, name := splitQualName(key)
			p.Metrics.TableStarted(schema, name)
		case "done":
			var delta int64
			if prev, ok := lastReported.Load(key); ok {
				delta = rowsCopied - prev.(int64)
			} else {
				delta = rowsCopied
			}
			if delta > 0 {
				p.Metrics.RecordApplied(0, delta, 0)
			}
			schema, name := splitQualName(key)
			p.Metrics.TableDone(schema, name, rowsCopied)
			p.mu.Lock()
			p.progress.TablesCopied++
			p.mu.Unlock()
		}
	})
}

func splitQualName(qualName string) (schema, name string) {
	for i := 0; i < len(qualName); i++ {
		if qualName[i] == '.' {
			return qualName[:i], qualName[i+1:]
		}
	}
	return "public", qualName
}
