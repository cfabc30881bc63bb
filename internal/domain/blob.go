package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// SettlementArchiver copies a resolved market's settlement rows to cold
// storage and returns the object path.
type SettlementArchiver interface {
	ArchiveSettlements(ctx context.Context, m Market, rows []Settlement) (string, error)
}
