package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/deplyx/deplyx/pkg/audit"
)

const exportPrefix = "audit/"

// Exporter snapshots the audit journal into the blob store as JSON lines.
// Exports are additive; nothing in the store is ever overwritten because
// every key embeds the export timestamp.
type Exporter struct {
	store   BlobStore
	journal *audit.Journal
	clock   func() time.Time
}

// NewExporter wires an exporter. clock defaults to time.Now (UTC).
func NewExporter(store BlobStore, journal *audit.Journal, clock func() time.Time) *Exporter {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Exporter{store: store, journal: journal, clock: clock}
}

// Export writes the current journal contents and returns the blob key.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	data, err := e.journal.MarshalLines()
	if err != nil {
		return "", err
	}
	now := e.clock()
	key := fmt.Sprintf("%s%s/journal-%s.jsonl",
		exportPrefix, now.Format("2006/01/02"), now.Format("150405"))
	if err := e.store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("export audit journal: %w", err)
	}
	return key, nil
}

// Exports lists the keys of every journal export, oldest first.
func (e *Exporter) Exports(ctx context.Context) ([]string, error) {
	return e.store.List(ctx, exportPrefix)
}
