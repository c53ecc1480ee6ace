package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/densync/densync/internal/models"
	"github.com/densync/densync/pkg/api"
)

type dispatcherFixture struct {
	txLog      *fakeTxLog
	bundles    *fakeBundles
	seeds      *fakeSeeds
	registry   *Registry
	pipeline   *Pipeline
	dispatcher *Dispatcher
	clock      time.Time
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	logger := setupTestLogger()

	f := &dispatcherFixture{
		txLog:    newFakeTxLog(),
		bundles:  newFakeBundles(),
		seeds:    newFakeSeeds(),
		registry: NewRegistry(logger),
		clock:    time.Now(),
	}

	f.pipeline = NewPipeline(logger, f.txLog, f.bundles)
	f.pipeline.now = func() time.Time { return f.clock }

	f.dispatcher = NewDispatcher(logger, f.registry, f.pipeline, f.seeds, f.bundles)
	f.dispatcher.now = func() time.Time { return f.clock }

	return f
}

func (f *dispatcherFixture) connect(t *testing.T, userID, clientID string) (*Connection, *fakeSocket) {
	t.Helper()

	socket := &fakeSocket{}
	conn, err := f.registry.Register(userID, clientID, socket)
	require.NoError(t, err)
	return conn, socket
}

func TestOnTransactionCommitted_FastPath(t *testing.T) {
	f := newDispatcherFixture(t)
	conn, socket := f.connect(t, "user-1", "client-a")
	conn.OpenDatabase("db-1", -1, int64Ptr(7))

	tx8 := &models.Transaction{DatabaseID: "db-1", SeqNo: 8, Command: models.CommandInsert, Record: []byte("r"), CreatedAt: f.clock}
	f.dispatcher.OnTransactionCommitted(context.Background(), "user-1", tx8)

	payloads := socket.payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, []int64{8}, seqNos(applied(t, payloads[0])))

	// The steady state costs zero store reads
	assert.Equal(t, 0, f.txLog.queryCount())

	state, _ := conn.Database("db-1")
	assert.Equal(t, int64(8), state.LastSeqNo())
}

func TestOnTransactionCommitted_SlowPath(t *testing.T) {
	f := newDispatcherFixture(t)
	conn, socket := f.connect(t, "user-1", "client-a")
	conn.OpenDatabase("db-1", -1, int64Ptr(7))

	old := f.clock.Add(-time.Minute)
	for seqNo := int64(8); seqNo <= 10; seqNo++ {
		f.txLog.put(t, &models.Transaction{DatabaseID: "db-1", SeqNo: seqNo, Command: models.CommandInsert, Record: []byte("r"), CreatedAt: old})
	}

	// The connection is three behind; the dispatcher falls back to a full push
	tx10, _ := f.txLog.get("db-1", 10)
	f.dispatcher.OnTransactionCommitted(context.Background(), "user-1", tx10)

	payloads := socket.payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, []int64{8, 9, 10}, seqNos(applied(t, payloads[0])))
	assert.Greater(t, f.txLog.queryCount(), 0)
}

func TestOnTransactionCommitted_SkipsUnopenedDatabase(t *testing.T) {
	f := newDispatcherFixture(t)
	_, socketA := f.connect(t, "user-1", "client-a")
	connB, socketB := f.connect(t, "user-1", "client-b")
	connB.OpenDatabase("db-1", -1, int64Ptr(0))

	tx1 := &models.Transaction{DatabaseID: "db-1", SeqNo: 1, Command: models.CommandInsert, Record: []byte("r"), CreatedAt: f.clock}
	f.dispatcher.OnTransactionCommitted(context.Background(), "user-1", tx1)

	assert.Empty(t, socketA.payloads())
	require.Len(t, socketB.payloads(), 1)
}

func TestOnTransactionCommitted_UnknownUserIsNoOp(t *testing.T) {
	f := newDispatcherFixture(t)

	tx1 := &models.Transaction{DatabaseID: "db-1", SeqNo: 1, Command: models.CommandInsert, Record: []byte("r"), CreatedAt: f.clock}
	f.dispatcher.OnTransactionCommitted(context.Background(), "user-unknown", tx1)
}

func TestOnTransactionCommitted_FansOutToAllConnections(t *testing.T) {
	f := newDispatcherFixture(t)
	connA, socketA := f.connect(t, "user-1", "client-a")
	connB, socketB := f.connect(t, "user-1", "client-b")
	connA.OpenDatabase("db-1", -1, int64Ptr(0))
	connB.OpenDatabase("db-1", -1, int64Ptr(0))

	tx1 := &models.Transaction{DatabaseID: "db-1", SeqNo: 1, Command: models.CommandInsert, Record: []byte("r"), CreatedAt: f.clock}
	f.dispatcher.OnTransactionCommitted(context.Background(), "user-1", tx1)

	require.Len(t, socketA.payloads(), 1)
	require.Len(t, socketB.payloads(), 1)
}

func TestOnTransactionCommitted_BundlePrunesOlderSnapshots(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bundles.PutBundle(ctx, "db-1", 100, []byte("old")))
	require.NoError(t, f.bundles.PutBundle(ctx, "db-1", 200, []byte("new")))

	bundleTx := &models.Transaction{DatabaseID: "db-1", SeqNo: 200, Command: models.CommandBundle, CreatedAt: f.clock}
	f.dispatcher.OnTransactionCommitted(ctx, "user-1", bundleTx)

	_, err := f.bundles.GetBundle(ctx, "db-1", 100)
	require.Error(t, err)

	got, err := f.bundles.GetBundle(ctx, "db-1", 200)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestSeedExchange_ThreeDevices(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	// Devices A and B are validated; device N just connected
	connA, socketA := f.connect(t, "user-1", "device-a")
	connB, socketB := f.connect(t, "user-1", "device-b")
	connN, socketN := f.connect(t, "user-1", "device-n")
	connA.ValidateKey()
	connB.ValidateKey()

	f.dispatcher.SendSeedRequest(ctx, "user-1", connN.ID, "pk-n")

	// A and B receive the request; the unvalidated origin does not
	requireSeedRequest := func(t *testing.T, socket *fakeSocket) {
		payloads := socket.payloads()
		require.Len(t, payloads, 1)
		msg, ok := payloads[0].(api.ReceiveRequestForSeed)
		require.True(t, ok)
		assert.Equal(t, api.RouteReceiveRequestForSeed, msg.Route)
		assert.Equal(t, "pk-n", msg.RequesterPublicKey)
	}
	requireSeedRequest(t, socketA)
	requireSeedRequest(t, socketB)
	assert.Empty(t, socketN.payloads())

	// The exchange row is persisted while the handover is in flight
	exchange, err := f.seeds.GetExchange(ctx, "user-1", "pk-n")
	require.NoError(t, err)
	assert.Empty(t, exchange.EncryptedSeed)

	// A responds; only N forwards the seed to its client
	f.dispatcher.SendSeed(ctx, "user-1", "pk-a", "pk-n", []byte("sealed-seed"))

	require.Len(t, socketA.payloads(), 1)
	require.Len(t, socketB.payloads(), 1)

	payloadsN := socketN.payloads()
	require.Len(t, payloadsN, 1)
	seed, ok := payloadsN[0].(api.ReceiveSeed)
	require.True(t, ok)
	assert.Equal(t, api.RouteReceiveSeed, seed.Route)
	assert.Equal(t, "pk-a", seed.SenderPublicKey)
	assert.Equal(t, []byte("sealed-seed"), seed.EncryptedSeed)

	exchange, err = f.seeds.GetExchange(ctx, "user-1", "pk-n")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-seed"), exchange.EncryptedSeed)
}

func TestSendSeedRequest_RepeatRidesExistingExchange(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	connA, socketA := f.connect(t, "user-1", "device-a")
	connA.ValidateKey()
	connN, _ := f.connect(t, "user-1", "device-n")

	f.dispatcher.SendSeedRequest(ctx, "user-1", connN.ID, "pk-n")
	f.dispatcher.SendSeedRequest(ctx, "user-1", connN.ID, "pk-n")

	// Both requests are broadcast even though the second insert was a no-op
	assert.Len(t, socketA.payloads(), 2)
}

func TestOnConnectionClosed_DropsPendingExchange(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	connN, _ := f.connect(t, "user-1", "device-n")
	f.dispatcher.SendSeedRequest(ctx, "user-1", connN.ID, "pk-n")

	_, err := f.seeds.GetExchange(ctx, "user-1", "pk-n")
	require.NoError(t, err)

	f.dispatcher.OnConnectionClosed(ctx, connN)

	_, err = f.seeds.GetExchange(ctx, "user-1", "pk-n")
	require.Error(t, err)
	assert.Empty(t, f.registry.Connections("user-1"))
}

func TestOnConnectionClosed_NoPendingExchange(t *testing.T) {
	f := newDispatcherFixture(t)

	conn, _ := f.connect(t, "user-1", "device-a")
	f.dispatcher.OnConnectionClosed(context.Background(), conn)

	assert.Empty(t, f.registry.Connections("user-1"))
}
