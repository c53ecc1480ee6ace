package sync

import (
	"context"
	"io"
	"log/slog"
	"sort"
	gosync "sync"
	"testing"

	"github.com/densync/densync/internal/models"
	"github.com/densync/densync/internal/server/storage"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSocket records every payload sent over it
type fakeSocket struct {
	mu        gosync.Mutex
	sent      []any
	sendErr   error
	closed    bool
	closeCode int
	closeText string
}

func (s *fakeSocket) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, v)
	return nil
}

func (s *fakeSocket) Close(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	s.closeText = text
	return nil
}

func (s *fakeSocket) payloads() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeTxLog is an in-memory TransactionLogStorage that counts range queries,
// so tests can assert the fast path skipped the store
type fakeTxLog struct {
	mu      gosync.Mutex
	items   map[string]map[int64]*models.Transaction
	queries int
}

func newFakeTxLog() *fakeTxLog {
	return &fakeTxLog{items: make(map[string]map[int64]*models.Transaction)}
}

func (l *fakeTxLog) put(t *testing.T, tx *models.Transaction) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items[tx.DatabaseID] == nil {
		l.items[tx.DatabaseID] = make(map[int64]*models.Transaction)
	}
	if _, exists := l.items[tx.DatabaseID][tx.SeqNo]; exists {
		t.Fatalf("duplicate seq no %d", tx.SeqNo)
	}
	l.items[tx.DatabaseID][tx.SeqNo] = tx
}

func (l *fakeTxLog) get(databaseID string, seqNo int64) (*models.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.items[databaseID][seqNo]
	return tx, ok
}

func (l *fakeTxLog) queryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queries
}

func (l *fakeTxLog) RangeQuery(ctx context.Context, databaseID string, afterSeqNo int64, limit int) ([]*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queries++

	seqNos := make([]int64, 0, len(l.items[databaseID]))
	for seqNo := range l.items[databaseID] {
		if seqNo > afterSeqNo {
			seqNos = append(seqNos, seqNo)
		}
	}
	sort.Slice(seqNos, func(i, j int) bool { return seqNos[i] < seqNos[j] })

	if len(seqNos) > limit {
		seqNos = seqNos[:limit]
	}

	page := make([]*models.Transaction, 0, len(seqNos))
	for _, seqNo := range seqNos {
		page = append(page, l.items[databaseID][seqNo])
	}
	return page, nil
}

func (l *fakeTxLog) ConditionalPut(ctx context.Context, tx *models.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.items[tx.DatabaseID] == nil {
		l.items[tx.DatabaseID] = make(map[int64]*models.Transaction)
	}
	if _, exists := l.items[tx.DatabaseID][tx.SeqNo]; exists {
		return storage.ErrConditionFailed
	}
	l.items[tx.DatabaseID][tx.SeqNo] = tx
	return nil
}

// fakeBundles is an in-memory BundleStorage
type fakeBundles struct {
	mu    gosync.Mutex
	blobs map[string]map[int64][]byte
}

func newFakeBundles() *fakeBundles {
	return &fakeBundles{blobs: make(map[string]map[int64][]byte)}
}

func (b *fakeBundles) GetBundle(ctx context.Context, databaseID string, bundleSeqNo int64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.blobs[databaseID][bundleSeqNo]
	if !ok {
		return nil, storage.ErrBundleNotFound
	}
	return blob, nil
}

func (b *fakeBundles) PutBundle(ctx context.Context, databaseID string, bundleSeqNo int64, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blobs[databaseID] == nil {
		b.blobs[databaseID] = make(map[int64][]byte)
	}
	b.blobs[databaseID][bundleSeqNo] = blob
	return nil
}

func (b *fakeBundles) PruneBundlesBefore(ctx context.Context, databaseID string, beforeSeqNo int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pruned := 0
	for seqNo := range b.blobs[databaseID] {
		if seqNo < beforeSeqNo {
			delete(b.blobs[databaseID], seqNo)
			pruned++
		}
	}
	return pruned, nil
}

// fakeSeeds is an in-memory SeedExchangeStorage
type fakeSeeds struct {
	mu   gosync.Mutex
	rows map[string]*storage.SeedExchange
}

func newFakeSeeds() *fakeSeeds {
	return &fakeSeeds{rows: make(map[string]*storage.SeedExchange)}
}

func seedsKey(userID, requesterPublicKey string) string {
	return userID + "/" + requesterPublicKey
}

func (f *fakeSeeds) CreateExchange(ctx context.Context, exchange *storage.SeedExchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := seedsKey(exchange.UserID, exchange.RequesterPublicKey)
	if _, exists := f.rows[key]; exists {
		return storage.ErrSeedExchangeExists
	}
	f.rows[key] = exchange
	return nil
}

func (f *fakeSeeds) GetExchange(ctx context.Context, userID, requesterPublicKey string) (*storage.SeedExchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[seedsKey(userID, requesterPublicKey)]
	if !ok {
		return nil, storage.ErrSeedExchangeNotFound
	}
	return row, nil
}

func (f *fakeSeeds) SetEncryptedSeed(ctx context.Context, userID, requesterPublicKey string, encryptedSeed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[seedsKey(userID, requesterPublicKey)]
	if !ok {
		return storage.ErrSeedExchangeNotFound
	}
	row.EncryptedSeed = encryptedSeed
	return nil
}

func (f *fakeSeeds) DeleteExchange(ctx context.Context, userID, requesterPublicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, seedsKey(userID, requesterPublicKey))
	return nil
}
