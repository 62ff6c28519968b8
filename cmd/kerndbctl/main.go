/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// kerndbctl is an operational CLI for a kerndb dataset: inspecting the
// segment manifest, replaying an entity at a point in time, running a
// compaction pass, and tailing the CDC stream. Grounded on the
// teacher's cobra root command in cmd/warren/main.go.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/launix-de/kerndb/backend"
	"github.com/launix-de/kerndb/compaction"
	"github.com/launix-de/kerndb/eventlog"
	"github.com/launix-de/kerndb/internal/config"
	"github.com/launix-de/kerndb/internal/telemetry"
	"github.com/launix-de/kerndb/replay"
	"github.com/launix-de/kerndb/segment"
)

var (
	Version = "dev"

	cfgPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kerndbctl",
	Short:   "Operational CLI for a kerndb storage kernel dataset",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "kerndb.yaml", "path to the kerndb config file")
	rootCmd.AddCommand(inspectCmd, replayCmd, compactCmd, tailCmd)
}

func openBackend(cfg config.Config) (backend.StorageBackend, error) {
	switch cfg.Storage.Kind {
	case config.BackendMemory, "":
		return backend.NewMemoryBackend(), nil
	case config.BackendLocal:
		return backend.NewLocalBackend(cfg.Storage.Root)
	case config.BackendS3:
		return backend.NewS3Backend(backend.S3Config{
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			Bucket:          cfg.Storage.Bucket,
			Prefix:          cfg.Storage.Prefix,
			ForcePathStyle:  cfg.Storage.ForcePathStyle,
		}), nil
	default:
		return nil, fmt.Errorf("kerndbctl: unknown storage kind %q", cfg.Storage.Kind)
	}
}

func loadSegments(ctx context.Context) (config.Config, *segment.Manager, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, nil, err
	}
	b, err := openBackend(cfg)
	if err != nil {
		return cfg, nil, err
	}
	maxBytes, err := cfg.Compaction.ParsedSegmentMaxBytes()
	if err != nil {
		return cfg, nil, err
	}
	seg := segment.New(b, cfg.Dataset, segment.Thresholds{
		MaxRows:  cfg.Compaction.SegmentMaxRows,
		MaxBytes: maxBytes,
	})
	if err := seg.Load(ctx); err != nil {
		return cfg, nil, err
	}
	return cfg, seg, nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the segment manifest for the configured dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, seg, err := loadSegments(cmd.Context())
		if err != nil {
			return err
		}
		for _, info := range seg.ListSegments() {
			fmt.Printf("seg=%04d path=%s rows=%d bytes=%d minTs=%d maxTs=%d\n",
				info.Seq, info.Path, info.RowCount, info.ByteSize, info.MinTs, info.MaxTs)
		}
		return nil
	},
}

var (
	replayTarget string
	replayAt     int64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay one entity/relationship target at a point in time",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, seg, err := loadSegments(ctx)
		if err != nil {
			return err
		}
		if replayTarget == "" {
			return fmt.Errorf("kerndbctl: --target is required")
		}
		r := replay.New(replay.NewSegmentEventSource(seg))
		result, err := r.ReplayEntity(ctx, replayTarget, replay.Options{At: replayAt})
		if err != nil {
			return err
		}
		fmt.Printf("existed=%v eventsReplayed=%d state=%+v\n", result.Existed, result.EventsReplayed, result.State)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayTarget, "target", "", "entity or relationship target, e.g. ns:id")
	replayCmd.Flags().Int64Var(&replayAt, "at", 0, "replay timestamp (ms)")
}

var (
	compactThroughTs    int64
	compactEmitSnapshot bool
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one compaction pass through a watermark timestamp",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, seg, err := loadSegments(ctx)
		if err != nil {
			return err
		}
		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		engine := compaction.New(b, seg, cfg.Dataset)
		result, err := engine.Run(ctx, compaction.Options{
			ThroughTs:    compactThroughTs,
			EmitSnapshot: compactEmitSnapshot,
		})
		if err != nil {
			return err
		}
		fmt.Printf("eventsProcessed=%d entityCount=%d relationshipCount=%d segmentsCompacted=%v snapshotPath=%s\n",
			result.EventsProcessed, result.EntityCount, result.RelationshipCount, result.SegmentsCompacted, result.SnapshotPath)
		return nil
	},
}

func init() {
	compactCmd.Flags().Int64Var(&compactThroughTs, "through-ts", 0, "watermark timestamp (ms)")
	compactCmd.Flags().BoolVar(&compactEmitSnapshot, "snapshot", false, "also persist a snapshot at through-ts")
}

var tailFromSeq uint32

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print every event from the configured dataset's CDC stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, seg, err := loadSegments(ctx)
		if err != nil {
			return err
		}
		log := eventlog.New(seg, telemetry.Logger)
		events, err := log.Scan(ctx, eventlog.ScanOptions{FromSeq: tailFromSeq})
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("id=%s ts=%d op=%s target=%s\n", e.Id, e.Ts, e.Op, e.Target)
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().Uint32Var(&tailFromSeq, "from-seq", 0, "only show events from this segment seq onward")
}
