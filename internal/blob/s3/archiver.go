package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// ObjectStore is the part of Writer the archiver needs.
type ObjectStore interface {
	domain.BlobWriter
	Exists(ctx context.Context, path string) (bool, error)
}

// SettlementArchiver implements domain.SettlementArchiver. Each batch is one
// JSONL object at settlements/<game>/<market>.jsonl. A later batch for the
// same market, from a settlement re-run, is written beside it with a
// timestamp suffix instead of replacing it.
type SettlementArchiver struct {
	store  ObjectStore
	prefix string
	now    func() time.Time
}

func NewSettlementArchiver(store ObjectStore, prefix string) *SettlementArchiver {
	if prefix == "" {
		prefix = "settlements"
	}
	return &SettlementArchiver{store: store, prefix: prefix, now: time.Now}
}

func (a *SettlementArchiver) ArchiveSettlements(ctx context.Context, m domain.Market, rows []domain.Settlement) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", m.ID, err)
	}

	path := archivePath(a.prefix, m, time.Time{})
	exists, err := a.store.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", m.ID, err)
	}
	if exists {
		path = archivePath(a.prefix, m, a.now())
	}

	if err := a.store.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", m.ID, err)
	}
	return path, nil
}

// archivePath is settlements/<game>/<market>.jsonl, or
// settlements/<game>/<market>-<unix>.jsonl when at is set.
func archivePath(prefix string, m domain.Market, at time.Time) string {
	game := m.GameID
	if game == "" {
		game = "default"
	}
	if at.IsZero() {
		return fmt.Sprintf("%s/%s/%s.jsonl", prefix, game, m.ID)
	}
	return fmt.Sprintf("%s/%s/%s-%d.jsonl", prefix, game, m.ID, at.Unix())
}

// marshalJSONL writes one compact JSON document per line.
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

var _ domain.SettlementArchiver = (*SettlementArchiver)(nil)
