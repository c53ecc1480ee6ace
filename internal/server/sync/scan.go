package sync

import (
	"context"

	"github.com/densync/densync/internal/models"
)

// scanState drives the range scan over the transaction log.
type scanState int

const (
	// stateScanning: consuming records in sequence order
	stateScanning scanState = iota
	// stateGapYoung: hit a gap younger than the rollback threshold; the scan
	// stops here and the caller retries on the next trigger
	stateGapYoung
	// stateGapRolledBack: a stale gap was just patched with Rollback
	// sentinels; scanning resumes with the record after the gap
	stateGapRolledBack
	// stateDone: the range is exhausted
	stateDone
)

// ScanResult is the outcome of one range scan.
type ScanResult struct {
	// Transactions holds, in ascending sequence order, every record newer
	// than the state's lastSeqNo at the moment it was examined. Includes
	// Rollback sentinels written during the scan.
	Transactions []*models.Transaction

	// Cursor is the highest sequence number the scan got through.
	Cursor int64

	// GapRemains is true when a young gap stopped the scan early.
	GapRemains bool
}

// scanLog reads the transaction log of databaseID forward from cursor,
// patching stale gaps with Rollback sentinels and stopping at young ones.
// Records are buffered only if they are still ahead of the state's lastSeqNo,
// which may advance concurrently under a fast-path send.
func (p *Pipeline) scanLog(
	ctx context.Context,
	database *DatabaseState,
	databaseID string,
	cursor int64,
) (*ScanResult, error) {
	result := &ScanResult{Cursor: cursor}
	state := stateScanning

	for state == stateScanning {
		page, err := p.txLog.RangeQuery(ctx, databaseID, result.Cursor, p.pageSize)
		if err != nil {
			return nil, err
		}

		for _, t := range page {
			if t.SeqNo > result.Cursor+1 {
				state, err = p.resolveGap(ctx, database, databaseID, result, t)
				if err != nil {
					return nil, err
				}
				if state == stateGapYoung {
					break
				}
			}

			result.Cursor = t.SeqNo
			if t.SeqNo > database.LastSeqNo() {
				result.Transactions = append(result.Transactions, t)
			}
			state = stateScanning
		}

		if state == stateGapYoung {
			result.GapRemains = true
			break
		}

		if len(page) < p.pageSize {
			state = stateDone
		}
	}

	return result, nil
}

// resolveGap decides what to do about the missing slots between the scan
// cursor and the next observed record. Young gaps stop the scan: the missing
// commits may still land. Stale gaps are declared dead and patched with
// Rollback sentinels, which join the output buffer like any other record.
func (p *Pipeline) resolveGap(
	ctx context.Context,
	database *DatabaseState,
	databaseID string,
	result *ScanResult,
	next *models.Transaction,
) (scanState, error) {
	if p.now().Sub(next.CreatedAt) <= SecondsBeforeRollbackGapTriggered {
		return stateGapYoung, nil
	}

	rolledBack, err := p.rollbackGap(ctx, databaseID, result.Cursor+1, next.SeqNo-1)
	if err != nil {
		return stateGapRolledBack, err
	}

	for _, sentinel := range rolledBack {
		if sentinel.SeqNo > database.LastSeqNo() {
			result.Transactions = append(result.Transactions, sentinel)
		}
	}

	return stateGapRolledBack, nil
}
