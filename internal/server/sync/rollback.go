package sync

import (
	"context"
	"fmt"

	"github.com/densync/densync/internal/models"
)

// rollbackGap writes a Rollback sentinel for every sequence number in
// [fromSeqNo, toSeqNo], each guarded by a conditional put so that a commit
// racing into a slot wins over the sentinel.
//
// On the first conditional-put failure the remaining slots are left alone and
// the sentinels written so far are returned with the error; the enclosing
// push aborts and the next scan picks up whatever now occupies the slot.
func (p *Pipeline) rollbackGap(
	ctx context.Context,
	databaseID string,
	fromSeqNo, toSeqNo int64,
) ([]*models.Transaction, error) {
	rolledBack := make([]*models.Transaction, 0, toSeqNo-fromSeqNo+1)

	for seqNo := fromSeqNo; seqNo <= toSeqNo; seqNo++ {
		sentinel := &models.Transaction{
			DatabaseID: databaseID,
			SeqNo:      seqNo,
			Command:    models.CommandRollback,
			CreatedAt:  p.now(),
		}

		if err := p.txLog.ConditionalPut(ctx, sentinel); err != nil {
			return rolledBack, fmt.Errorf("failed to roll back seq no %d: %w", seqNo, err)
		}

		rolledBack = append(rolledBack, sentinel)
	}

	return rolledBack, nil
}
