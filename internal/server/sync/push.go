package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/densync/densync/internal/server/storage"
	"github.com/densync/densync/pkg/api"
)

// Tuning constants of the pipeline
const (
	// SecondsBeforeRollbackGapTriggered is how long an unfilled sequence
	// number may dwell before the server declares the commit dead and writes
	// a Rollback sentinel over it.
	SecondsBeforeRollbackGapTriggered = 10 * time.Second

	// TransactionSizeBundleTrigger is the unbundled byte count at which an
	// outbound batch is tagged with buildBundle.
	TransactionSizeBundleTrigger = 50 * 1024

	defaultScanPageSize = 1000
)

// PushOptions distinguishes the three push modes. Opening pushes carry
// DBNameHash and DBKey; reopening pushes carry ReopenAtSeqNo; incremental
// pushes carry neither.
type PushOptions struct {
	DBNameHash    string
	DBKey         string
	ReopenAtSeqNo *int64
}

func (o PushOptions) opening() bool {
	return o.DBNameHash != "" && o.DBKey != "" && o.ReopenAtSeqNo == nil
}

func (o PushOptions) reopening() bool {
	return o.ReopenAtSeqNo != nil
}

// Pipeline assembles ordered ApplyTransactions batches from the transaction
// log and the bundle store and writes them to client sockets.
type Pipeline struct {
	logger   *slog.Logger
	txLog    storage.TransactionLogStorage
	bundles  storage.BundleStorage
	pageSize int
	now      func() time.Time
}

// NewPipeline creates a push pipeline over the given stores
func NewPipeline(logger *slog.Logger, txLog storage.TransactionLogStorage, bundles storage.BundleStorage) *Pipeline {
	return &Pipeline{
		logger:   logger,
		txLog:    txLog,
		bundles:  bundles,
		pageSize: defaultScanPageSize,
		now:      time.Now,
	}
}

// Push assembles one logical ApplyTransactions message covering everything
// the client still needs for databaseID on this connection, and sends it.
//
// Errors are logged and returned, but the caller is expected to absorb them:
// a failed push converges on the next commit fan-out or client action.
func (p *Pipeline) Push(ctx context.Context, conn *Connection, databaseID string, opts PushOptions) error {
	database, ok := conn.Database(databaseID)
	if !ok {
		// The socket never opened this database; nothing to push.
		return nil
	}

	opening := opts.opening()
	reopening := opts.reopening()

	payload := &api.ApplyTransactions{
		Route:          api.RouteApplyTransactions,
		DBID:           databaseID,
		TransactionLog: []api.TransactionItem{},
	}
	if opening {
		payload.DBNameHash = opts.DBNameHash
		payload.DBKey = opts.DBKey
	}

	// Bundle preface: a client that never advanced past the bundle gets the
	// snapshot attached and the scan starts after it.
	bundleSeqNo := database.BundleSeqNo()
	cursor := database.LastSeqNo()

	if bundleSeqNo > 0 && cursor == 0 {
		blob, err := p.bundles.GetBundle(ctx, databaseID, bundleSeqNo)
		if err != nil {
			p.logger.Warn("push aborted: failed to fetch bundle",
				"database_id", databaseID, "bundle_seq_no", bundleSeqNo, "error", err)
			return err
		}

		seqNo := bundleSeqNo
		payload.BundleSeqNo = &seqNo
		payload.Bundle = blob
		cursor = bundleSeqNo
	}

	result, err := p.scanLog(ctx, database, databaseID, cursor)
	if err != nil {
		p.logger.Warn("push aborted: transaction log scan failed",
			"database_id", databaseID, "error", err)
		return err
	}

	database.mu.Lock()
	defer database.mu.Unlock()

	// Another push may have mutated the state while the scan was outstanding.
	switch {
	case opening && database.lastSeqNo != 0:
		p.logger.Warn("push abandoned: database already opened",
			"database_id", databaseID, "last_seq_no", database.lastSeqNo)
		return nil
	case reopening && database.lastSeqNo != *opts.ReopenAtSeqNo:
		p.logger.Warn("push abandoned: reopen position changed",
			"database_id", databaseID, "last_seq_no", database.lastSeqNo)
		return nil
	case !opening && !reopening && !database.init:
		p.logger.Warn("push abandoned: database not initialized",
			"database_id", databaseID)
		return nil
	}

	if len(result.Transactions) == 0 {
		// Incremental pushes with nothing new stay silent. Opens and reopens
		// still need their (header-only, possibly bundle-only) response.
		if !opening && !reopening {
			return nil
		}

		if err := conn.socket.Send(payload); err != nil {
			p.logger.Warn("failed to send payload",
				"database_id", databaseID, "error", err)
			return err
		}

		if payload.Bundle != nil {
			database.lastSeqNo = bundleSeqNo
		}
		database.init = true

		return nil
	}

	return p.sendPayloadLocked(conn, database, payload, result.Transactions)
}
