package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// multipartThreshold is the batch size above which the upload goes through
// the multipart manager instead of a single PutObject.
const multipartThreshold = 8 << 20

// multipartWriter is the optional large-batch capability of the blob writer.
// *Writer provides it; fakes without it fall back to Put.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver drains old execution events to object storage as JSONL batches.
// Events are deleted from the primary store only after the upload succeeded,
// so a failed archive run never loses audit rows.
type Archiver struct {
	writer    domain.BlobWriter
	events    domain.ExecutionEventStore
	retention time.Duration
	interval  time.Duration
	// multipartAbove is the byte size beyond which uploads switch to the
	// multipart path.
	multipartAbove int
	logger         *slog.Logger
}

// NewArchiver creates an Archiver. retention is how long events stay in the
// primary store; interval is how often a drain runs.
func NewArchiver(writer domain.BlobWriter, events domain.ExecutionEventStore, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		writer:         writer,
		events:         events,
		retention:      retention,
		interval:       interval,
		multipartAbove: multipartThreshold,
		logger:         logger.With(slog.String("component", "archiver")),
	}
}

// Run drains on the configured interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := a.ArchiveEvents(ctx, time.Now().Add(-a.retention)); err != nil {
				a.logger.Error("archive run failed", "error", err)
			} else if n > 0 {
				a.logger.Info("events archived", slog.Int64("count", n))
			}
		}
	}
}

// ArchiveEvents uploads all events created before the cutoff as one JSONL
// object, then deletes them from the store. Returns the archived count.
func (a *Archiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	path := archivePath(before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	deleted, err := a.events.DeleteBefore(ctx, before)
	if err != nil {
		// The upload succeeded; rows will be re-archived next run. Harmless
		// duplication beats data loss.
		return int64(len(events)), fmt.Errorf("s3blob: archive events delete: %w", err)
	}
	if deleted != int64(len(events)) {
		a.logger.Warn("archive count mismatch",
			slog.Int("archived", len(events)),
			slog.Int64("deleted", deleted),
		)
	}
	return int64(len(events)), nil
}

// upload picks the single-shot or multipart path by batch size.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if mw, ok := a.writer.(multipartWriter); ok && len(buf) > a.multipartAbove {
		return mw.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath partitions archive objects by the cutoff day:
//
//	archive/execution_events/2026-08-23.jsonl
func archivePath(before time.Time) string {
	return fmt.Sprintf("archive/execution_events/%s.jsonl", before.UTC().Format("2006-01-02"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
