package sync

import (
	"github.com/densync/densync/internal/models"
	"github.com/densync/densync/pkg/api"
)

// SendPayload delivers an already-assembled batch on the fast path, without a
// store read. Entries a concurrent push already delivered are trimmed, and the
// contiguity gate rejects a batch that does not continue from the client's
// position.
func (p *Pipeline) SendPayload(conn *Connection, database *DatabaseState, buffer []*models.Transaction) error {
	if len(buffer) == 0 {
		return nil
	}

	payload := &api.ApplyTransactions{
		Route: api.RouteApplyTransactions,
		DBID:  buffer[0].DatabaseID,
	}

	database.mu.Lock()
	defer database.mu.Unlock()

	return p.sendPayloadLocked(conn, database, payload, buffer)
}

// sendPayloadLocked projects the buffer to the wire, enforces contiguity,
// applies the bundling trigger and advances the state. Callers hold
// database.mu, which also serializes the socket write per state.
func (p *Pipeline) sendPayloadLocked(
	conn *Connection,
	database *DatabaseState,
	payload *api.ApplyTransactions,
	buffer []*models.Transaction,
) error {
	// A concurrent send may already have delivered a prefix of the buffer.
	entries := make([]*models.Transaction, 0, len(buffer))
	for _, t := range buffer {
		if t.SeqNo > database.lastSeqNo {
			entries = append(entries, t)
		}
	}
	if len(entries) == 0 {
		return nil
	}

	items := make([]api.TransactionItem, 0, len(entries))
	var size int64
	for _, t := range entries {
		items = append(items, api.TransactionItem{
			SeqNo:      t.SeqNo,
			Command:    string(t.Command),
			Key:        t.Key,
			Record:     t.Record,
			Operations: t.Operations,
			DBID:       t.DatabaseID,
		})
		size += models.EstimateTransactionSize(t)
	}

	// Contiguity gate: the batch must continue from the client's position,
	// or from the bundle when the payload carries one.
	first := entries[0].SeqNo
	contiguous := first == database.lastSeqNo+1
	if !contiguous && payload.BundleSeqNo != nil {
		contiguous = first == *payload.BundleSeqNo+1
	}
	if !contiguous {
		p.logger.Warn("payload rejected: batch not contiguous",
			"database_id", payload.DBID, "first_seq_no", first, "last_seq_no", database.lastSeqNo)
		return nil
	}

	payload.TransactionLog = items

	buildBundle := database.transactionLogSize+size >= TransactionSizeBundleTrigger
	if buildBundle {
		payload.BuildBundle = true
	}

	if err := conn.socket.Send(payload); err != nil {
		p.logger.Warn("failed to send payload",
			"database_id", payload.DBID, "error", err)
		return err
	}

	if buildBundle {
		database.transactionLogSize = 0
	} else {
		database.transactionLogSize += size
	}

	database.lastSeqNo = entries[len(entries)-1].SeqNo
	database.init = true

	return nil
}
