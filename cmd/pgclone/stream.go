package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/apply"
	"github.com/jfoltran/pgclone/internal/cdc/receiver"
	"github.com/jfoltran/pgclone/internal/cdc/segment"
	"github.com/jfoltran/pgclone/internal/cdc/transform"
	"github.com/jfoltran/pgclone/internal/pipeline"
	"github.com/jfoltran/pgclone/internal/sentinel"
	"github.com/jfoltran/pgclone/internal/workdir"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Low-level entry points into the CDC pipeline",
	Long:  `Stream exposes the receiver/segment/transform/apply pipeline and its sentinel remote-control row directly, for operators driving cutover by hand instead of through "clone --follow".`,
}

func openSentinel() (*catalog.Set, *sentinel.Coordinator, error) {
	runDir := filepath.Join(cfg.WorkDir, "run")
	cat, err := catalog.OpenSet(runDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return cat, sentinel.New(cat.Target, logger), nil
}

var streamSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: `Create the publication on the source (the replication slot is created by "stream receive")`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		src, err := pgxpool.New(cmd.Context(), cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("connect source: %w", err)
		}
		defer src.Close()

		pubName := cfg.Replication.Publication
		var exists bool
		if err := src.QueryRow(cmd.Context(),
			"SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)", pubName).Scan(&exists); err != nil {
			return fmt.Errorf("check publication: %w", err)
		}
		if exists {
			fmt.Printf("publication %q already exists\n", pubName)
			return nil
		}
		if _, err := src.Exec(cmd.Context(), fmt.Sprintf("CREATE PUBLICATION %q FOR ALL TABLES", pubName)); err != nil {
			return fmt.Errorf("create publication: %w", err)
		}
		fmt.Printf("created publication %q\n", pubName)
		return nil
	},
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop the publication and replication slot on the source",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		src, err := pgxpool.New(cmd.Context(), cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("connect source: %w", err)
		}
		defer src.Close()

		if _, err := src.Exec(cmd.Context(),
			"SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1 AND NOT active",
			cfg.Replication.SlotName); err != nil {
			return fmt.Errorf("drop slot: %w", err)
		}
		if _, err := src.Exec(cmd.Context(),
			fmt.Sprintf("DROP PUBLICATION IF EXISTS %q", cfg.Replication.Publication)); err != nil {
			return fmt.Errorf("drop publication: %w", err)
		}
		fmt.Println("slot and publication removed")
		return nil
	},
}

var streamSentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Read or write the remote-control row that coordinates cutover",
}

var streamSentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current sentinel row",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, coord, err := openSentinel()
		if err != nil {
			return err
		}
		defer cat.Close()

		row, err := coord.Get()
		if err != nil {
			return err
		}
		fmt.Printf("startpos:    %s\n", row.StartPos)
		fmt.Printf("endpos:      %s\n", row.EndPos)
		fmt.Printf("apply_mode:  %s\n", row.ApplyMode)
		fmt.Printf("write_lsn:   %s\n", row.WriteLSN)
		fmt.Printf("flush_lsn:   %s\n", row.FlushLSN)
		fmt.Printf("replay_lsn:  %s\n", row.ReplayLSN)
		return nil
	},
}

var streamSentinelSetStartposCmd = &cobra.Command{
	Use:   "startpos <lsn>",
	Short: "Set the sentinel's start LSN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lsn, err := pglogrepl.ParseLSN(args[0])
		if err != nil {
			return err
		}
		cat, coord, err := openSentinel()
		if err != nil {
			return err
		}
		defer cat.Close()
		return coord.SetStartPos(lsn)
	},
}

var streamSentinelSetEndposCmd = &cobra.Command{
	Use:   "endpos <lsn>",
	Short: `Set the sentinel's cutover end LSN (use "current" to resolve it live from the source)`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lsnText := args[0]
		if lsnText == "current" {
			if err := cfg.Validate(); err != nil {
				return err
			}
			src, err := pgxpool.New(cmd.Context(), cfg.Source.DSN())
			if err != nil {
				return fmt.Errorf("connect source: %w", err)
			}
			defer src.Close()
			if err := src.QueryRow(cmd.Context(), "SELECT pg_current_wal_lsn()::text").Scan(&lsnText); err != nil {
				return fmt.Errorf("resolve current LSN: %w", err)
			}
		}
		lsn, err := pglogrepl.ParseLSN(lsnText)
		if err != nil {
			return err
		}
		cat, coord, err := openSentinel()
		if err != nil {
			return err
		}
		defer cat.Close()
		return coord.SetEndPos(lsn)
	},
}

var streamSentinelSetApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Switch the sentinel's apply mode to live replay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, coord, err := openSentinel()
		if err != nil {
			return err
		}
		defer cat.Close()
		return coord.SetApplyMode("apply")
	},
}

var streamSentinelSetPrefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Switch the sentinel's apply mode to prefetch+catchup",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, coord, err := openSentinel()
		if err != nil {
			return err
		}
		defer cat.Close()
		return coord.SetApplyMode("prefetch")
	},
}

func originID() string {
	if cfg.Replication.OriginID != "" {
		return cfg.Replication.OriginID
	}
	return cfg.Replication.SlotName
}

func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var streamReceiveCmd = &cobra.Command{
	Use:     "receive",
	Aliases: []string{"prefetch"},
	Short:   "Stream WAL from the source and persist it as segment files, without applying",
	Long: `Receive creates the source's replication slot (failing if a slot of
that name already exists) and drains decoded messages into JSON-line segment files under the
working directory's cdc/ folder. It never touches the target — pair it with
a separate "stream apply" or "stream catchup" invocation, possibly against
a different working directory copy, to decouple how fast WAL is pulled off
the source from how fast it is replayed on the target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, cancel := interruptContext(cmd.Context())
		defer cancel()

		dir, err := workdir.Open(cfg.WorkDir)
		if err != nil {
			return fmt.Errorf("open working directory: %w", err)
		}
		defer dir.Close() //nolint:errcheck

		cat, coord, err := openSentinel()
		if err != nil {
			return err
		}
		defer cat.Close()

		connTimeout := 30 * time.Second
		replCtx, rcancel := context.WithTimeout(ctx, connTimeout)
		replConn, err := pgconn.Connect(replCtx, cfg.Source.ReplicationDSN())
		rcancel()
		if err != nil {
			return fmt.Errorf("replication connection: %w", err)
		}
		defer replConn.Close(context.Background()) //nolint:errcheck

		recv := receiver.New(replConn, cfg.Replication.SlotName, cfg.Replication.Publication, 0, logger)
		if _, err := recv.CreateSlot(ctx, 0); err != nil {
			return fmt.Errorf("create slot: %w", err)
		}
		if err := coord.SetStartPos(recv.StartLSN()); err != nil {
			logger.Warn().Err(err).Msg("record sentinel start position")
		}

		msgCh, err := recv.StartStreaming(ctx)
		if err != nil {
			return fmt.Errorf("start streaming: %w", err)
		}
		defer recv.Close()

		w := segment.NewWriter(dir.CDCDir)
		lastLSN, err := w.Drain(msgCh)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("write segments: %w", err)
		}
		fmt.Printf("receive stopped at %s\n", lastLSN)
		return nil
	},
}

var streamTransformCmd = &cobra.Command{
	Use:   "transform <segment-file> <sql-file>",
	Short: "Render one JSON segment file into a SQL batch file",
	Long: `Transform reads a single JSON segment file written by "stream receive"
and renders it into a SQL batch file: one statement per line, grouped
inserts on the same table coalesced into multi-row INSERTs, with each
source transaction bracketed in BEGIN/COMMIT markers carrying an {xid, lsn}
header comment. "stream apply" and "stream catchup" run this step
internally for every segment file they see; this entry point exists for an
operator who wants to inspect or archive the rendered SQL independently.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lsn, err := transform.New().TransformFile(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("transformed through %s\n", lsn)
		return nil
	},
}

var streamApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Continuously transform and apply segment files from the working directory to the target",
	Long: `Apply walks the working directory's cdc/ segment files in order —
written by a "stream receive" running here or elsewhere against the same
directory — transforming each one into a SQL batch file and executing it
against the target, advancing the named replication origin on each
destination commit. Re-running it after a crash is a no-op up to whatever
LSN the origin last recorded. It runs until interrupted; use "stream
catchup" for a bounded, run-once drain of whatever is already on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStreamApply(cmd.Context(), false)
	},
}

var streamCatchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Transform and apply whatever already-sealed segment files are on disk, then exit",
	Long: `Catchup drains every segment file that is already sealed (rolled
past by a prior "stream receive") and exits once the next one does not
exist yet, instead of waiting indefinitely for new ones the way "stream
apply" does. Use it to burn down a prefetch backlog ahead of a planned
cutover.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStreamApply(cmd.Context(), true)
	},
}

// runStreamApply walks the cdc/ segment directory in order, transforming
// and applying one segment file at a time. When boundedToSealed is true it
// stops as soon as it reaches a segment file that is not yet sealed
// (rolled past by a newer file) instead of waiting for one to appear.
func runStreamApply(parent context.Context, boundedToSealed bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, cancel := interruptContext(parent)
	defer cancel()

	dir, err := workdir.Open(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("open working directory: %w", err)
	}
	defer dir.Close() //nolint:errcheck

	cat, coord, err := openSentinel()
	if err != nil {
		return err
	}
	defer cat.Close()

	target, err := pgxpool.New(ctx, cfg.Dest.DSN())
	if err != nil {
		return fmt.Errorf("connect target: %w", err)
	}
	defer target.Close()

	origin := originID()
	resumeLSN, err := apply.EnsureOrigin(ctx, target, origin)
	if err != nil {
		return fmt.Errorf("ensure replication origin: %w", err)
	}

	tf := transform.New()
	var lastLSN pglogrepl.LSN
	idx := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		segPath := segment.SegmentPath(dir.CDCDir, idx)
		if _, statErr := os.Stat(segPath); statErr != nil {
			if !os.IsNotExist(statErr) {
				return fmt.Errorf("stat segment %s: %w", segPath, statErr)
			}
			if boundedToSealed {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		sealed, err := segment.Sealed(dir.CDCDir, idx)
		if err != nil {
			return err
		}
		if boundedToSealed && !sealed {
			break
		}

		sqlPath := segPath[:len(segPath)-len(".json")] + ".sql"
		if _, err := tf.TransformFile(segPath, sqlPath); err != nil {
			return fmt.Errorf("transform segment %s: %w", segPath, err)
		}
		applied, err := apply.ApplyBatchFile(ctx, target, origin, sqlPath, resumeLSN, logger)
		if err != nil {
			return err
		}
		if applied > resumeLSN {
			resumeLSN = applied
		}
		lastLSN = resumeLSN
		if err := coord.RecordProgress(lastLSN, lastLSN, lastLSN); err != nil {
			logger.Warn().Err(err).Msg("record sentinel progress")
		}
		_ = os.Remove(sqlPath)

		if !sealed {
			// This was the actively-written segment; nothing newer exists
			// yet, so there is nothing left to catch up on right now.
			if boundedToSealed {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		_ = os.Remove(segPath)
		idx++
	}
	fmt.Printf("apply stopped at %s\n", lastLSN)
	return nil
}

var streamReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the receiver, segment journal, and applier together in one process",
	Long: `Replay is the in-process equivalent of running "stream receive" and
"stream apply" together against the same working directory: it is what
"clone --follow" switches into once the initial copy finishes, exposed here
as a standalone entry point for an operator resuming CDC on an existing
replication slot without re-running the clone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, cancel := interruptContext(cmd.Context())
		defer cancel()

		p := pipeline.New(&cfg, logger)
		defer p.Close()
		return p.RunFollow(ctx, 0)
	},
}

func init() {
	streamSentinelCmd.AddCommand(streamSentinelGetCmd)

	streamSentinelSetCmd := &cobra.Command{
		Use:   "set",
		Short: "Set a field on the sentinel row",
	}
	streamSentinelSetCmd.AddCommand(streamSentinelSetStartposCmd)
	streamSentinelSetCmd.AddCommand(streamSentinelSetEndposCmd)
	streamSentinelSetCmd.AddCommand(streamSentinelSetApplyCmd)
	streamSentinelSetCmd.AddCommand(streamSentinelSetPrefetchCmd)
	streamSentinelCmd.AddCommand(streamSentinelSetCmd)

	streamCmd.AddCommand(streamSetupCmd)
	streamCmd.AddCommand(streamCleanupCmd)
	streamCmd.AddCommand(streamSentinelCmd)
	streamCmd.AddCommand(streamReceiveCmd)
	streamCmd.AddCommand(streamTransformCmd)
	streamCmd.AddCommand(streamApplyCmd)
	streamCmd.AddCommand(streamCatchupCmd)
	streamCmd.AddCommand(streamReplayCmd)
	rootCmd.AddCommand(streamCmd)
}
