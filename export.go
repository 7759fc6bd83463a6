package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// ExportStats summarises one mapping's export.
type ExportStats struct {
	Table    string
	Rows     int // rows written
	Pages    int // source pages processed
	Batches  int // INSERT statements executed
	Dropped  int // rows dropped by the batch builder
	Failed   int // entries that failed to decode or transform
	Retries  int // stale transaction restarts
	Bytes    int64
	Duration time.Duration
}

// exportCursor is the resumable position within one mapping's range.
type exportCursor struct {
	lower   []byte // inclusive lower bound of the unscanned range
	emitted bool   // lower has been handled: written, dropped or counted as failed
	skip    bool   // drop the first entry of the next page if it equals lower
}

type exportDriver struct {
	source   SourceStore
	sink     Sink
	schemas  SchemaContext
	registry *BindingRegistry
	cfg      ExportConfig
	metrics  *exportMetrics

	transformer *rowTransformer
	sleep       func(ctx context.Context, d time.Duration) error
}

func newExportDriver(source SourceStore, sink Sink, schemas SchemaContext, registry *BindingRegistry, cfg ExportConfig, metrics *exportMetrics) *exportDriver {
	return &exportDriver{
		source:      source,
		sink:        sink,
		schemas:     schemas,
		registry:    registry,
		cfg:         cfg,
		metrics:     metrics,
		transformer: newRowTransformer(schemas, sink.Dialect().Literal),
		sleep:       sleepWithContext,
	}
}

// Run exports every mapping in order. The first fatal error stops the run;
// stats for the mappings finished so far are returned with it.
func (d *exportDriver) Run(ctx context.Context, mappings []ExportMapping) ([]ExportStats, error) {
	var all []ExportStats
	for _, m := range mappings {
		b, ok := d.registry.Binding(m.Proto)
		if !ok || b.Table.Name != m.Table {
			log.WithFields(log.Fields{"message": m.Proto, "table": m.Table.String()}).
				Warn("no binding for mapping, skipping")
			continue
		}

		start := time.Now()
		stats, err := d.exportMapping(ctx, m, b)
		stats.Duration = time.Since(start)
		if d.metrics != nil {
			d.metrics.record(stats.Table, stats)
		}
		all = append(all, stats)
		if err != nil {
			return all, fmt.Errorf("export %s: %w", m.Table, err)
		}

		log.WithFields(log.Fields{
			"table":    stats.Table,
			"rows":     stats.Rows,
			"pages":    stats.Pages,
			"batches":  stats.Batches,
			"dropped":  stats.Dropped,
			"failed":   stats.Failed,
			"retries":  stats.Retries,
			"bytes":    humanize.Bytes(uint64(stats.Bytes)),
			"duration": stats.Duration.Round(time.Millisecond),
		}).Info("mapping exported")
	}
	return all, nil
}

// exportMapping scans [m.From, m.To), restarting the transaction from the
// cursor whenever the source reports ErrStale.
func (d *exportDriver) exportMapping(ctx context.Context, m ExportMapping, b *MessageBinding) (ExportStats, error) {
	stats := ExportStats{Table: b.Table.Name.String()}
	cur := &exportCursor{lower: m.From}

	for {
		err := d.scan(ctx, m, b, cur, &stats)
		if err == nil {
			return stats, nil
		}
		if !errors.Is(err, ErrStale) {
			return stats, err
		}

		stats.Retries++
		if d.cfg.MaxStaleRetries > 0 && stats.Retries > d.cfg.MaxStaleRetries {
			return stats, fmt.Errorf("giving up after %d stale retries: %w", d.cfg.MaxStaleRetries, err)
		}
		wait := backoffDuration(d.cfg.RetryBackoff.Duration, stats.Retries, d.cfg.MaxRetryBackoff.Duration)
		log.WithFields(log.Fields{
			"table":   stats.Table,
			"attempt": stats.Retries,
			"cursor":  fmt.Sprintf("%q", cur.lower),
			"backoff": wait,
		}).Warn("source transaction expired, resuming from cursor")

		cur.skip = cur.emitted
		if err := d.sleep(ctx, wait); err != nil {
			return stats, err
		}
	}
}

// scan runs one transaction over the remaining range.
func (d *exportDriver) scan(ctx context.Context, m ExportMapping, b *MessageBinding, cur *exportCursor, stats *ExportStats) error {
	beginCtx, cancel := context.WithTimeout(ctx, d.cfg.TxnTimeout.Duration)
	txn, err := d.source.Begin(beginCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", d.source.Name(), err)
	}
	defer txn.Cancel()

	return txn.Scan(ctx, cur.lower, m.To, d.cfg.PageSize, func(page []KeyValue) error {
		return d.exportPage(ctx, b, cur, stats, page)
	})
}

// exportPage transforms one page and writes it as a single batch. The cursor
// moves only after the write succeeds.
func (d *exportDriver) exportPage(ctx context.Context, b *MessageBinding, cur *exportCursor, stats *ExportStats, page []KeyValue) error {
	skip := cur.skip
	cur.skip = false
	stats.Pages++

	rows := make([]Row, 0, len(page))
	var last []byte
	for i, kv := range page {
		if i == 0 && skip && bytes.Equal(kv.Key, cur.lower) {
			continue
		}
		last = kv.Key
		stats.Bytes += int64(len(kv.Value))

		row, err := d.transform(b, kv.Value)
		if err != nil {
			stats.Failed++
			log.WithFields(log.Fields{
				"table": stats.Table,
				"key":   fmt.Sprintf("%q", kv.Key),
				"err":   err,
			}).Info("skipping entry")
			continue
		}
		rows = append(rows, row)
	}
	if last == nil {
		return nil
	}

	batch := buildBatch(b.Table, rows)
	if batch == nil {
		stats.Dropped += len(rows)
	} else {
		stats.Dropped += len(rows) - batch.Len()
		stmt, err := renderInsert(batch, d.cfg.WriteMode, d.sink.Dialect().Dedup)
		if err != nil {
			return err
		}
		if err := d.sink.Exec(ctx, stmt); err != nil {
			return &WriteError{Table: stats.Table, Err: err}
		}
		stats.Batches++
		stats.Rows += batch.Len()
	}

	// last includes entries that failed to transform; resuming at the last
	// written key would only re-read and re-fail them.
	cur.lower = append([]byte(nil), last...)
	cur.emitted = true
	return nil
}

func (d *exportDriver) transform(b *MessageBinding, value []byte) (Row, error) {
	msg, err := d.schemas.Decode(b.Message, value)
	if err != nil {
		return nil, err
	}
	return d.transformer.prepareRow(b, msg)
}

// backoffDuration returns base * 2^(attempt-1), clamped to max. A zero base
// retries immediately.
func backoffDuration(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// sleepWithContext waits for d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
