package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

type memStore struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memStore) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.objects[path] = b
	s.types[path] = contentType
	return nil
}

func (s *memStore) Exists(_ context.Context, path string) (bool, error) {
	_, ok := s.objects[path]
	return ok, nil
}

func settlementRows() []domain.Settlement {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return []domain.Settlement{
		{ID: "s1", PositionID: "p1", Address: "0xaa", MarketID: "g1-1", OutcomeBet: "BALL", OutcomeWon: "BALL",
			Result: domain.SettlementWin, Shares: 12, CostPaid: 10, Payout: 12, Profit: 2, SettledAt: at},
		{ID: "s2", PositionID: "p2", Address: "0xbb", MarketID: "g1-1", OutcomeBet: "STRIKE", OutcomeWon: "BALL",
			Result: domain.SettlementLoss, Shares: 8, CostPaid: 5, Payout: 0, Profit: -5, SettledAt: at},
	}
}

func TestArchiveSettlements_WritesJSONL(t *testing.T) {
	store := newMemStore()
	a := NewSettlementArchiver(store, "")
	m := domain.Market{ID: "g1-1", GameID: "g1"}

	path, err := a.ArchiveSettlements(context.Background(), m, settlementRows())
	require.NoError(t, err)
	assert.Equal(t, "settlements/g1/g1-1.jsonl", path)
	assert.Equal(t, "application/x-ndjson", store.types[path])

	var lines []domain.Settlement
	sc := bufio.NewScanner(bytes.NewReader(store.objects[path]))
	for sc.Scan() {
		var s domain.Settlement
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		lines = append(lines, s)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "p2", lines[1].PositionID)
	assert.Equal(t, domain.SettlementLoss, lines[1].Result)
}

func TestArchiveSettlements_RerunDoesNotOverwrite(t *testing.T) {
	store := newMemStore()
	a := NewSettlementArchiver(store, "archive")
	a.now = func() time.Time { return time.Unix(1700000000, 0) }
	m := domain.Market{ID: "g1-1", GameID: "g1"}

	first, err := a.ArchiveSettlements(context.Background(), m, settlementRows()[:1])
	require.NoError(t, err)
	second, err := a.ArchiveSettlements(context.Background(), m, settlementRows()[1:])
	require.NoError(t, err)

	assert.Equal(t, "archive/g1/g1-1.jsonl", first)
	assert.Equal(t, "archive/g1/g1-1-1700000000.jsonl", second)
	assert.Len(t, store.objects, 2)
}

func TestArchiveSettlements_EmptyAndErrors(t *testing.T) {
	store := newMemStore()
	a := NewSettlementArchiver(store, "")

	path, err := a.ArchiveSettlements(context.Background(), domain.Market{ID: "x"}, nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Empty(t, store.objects)

	store.putErr = errors.New("bucket gone")
	_, err = a.ArchiveSettlements(context.Background(), domain.Market{ID: "x"}, settlementRows())
	assert.ErrorContains(t, err, "bucket gone")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}
