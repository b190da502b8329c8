package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
)

// SweepHandler adapts the queue into a schedulable task: each run retries
// every due record exactly once. Records that fail again simply wait for the
// next sweep, so the retry cadence lives in the task schedule, not in here.
func (q *Queue) SweepHandler() domain.TaskHandler {
	return func(ctx context.Context) (string, error) {
		due := q.DueRecords(q.now())
		succeeded := 0
		for _, record := range due {
			ok, err := q.Retry(ctx, record.ID)
			if err == errval.ErrNotFound {
				// Bounced away between the snapshot and the retry.
				continue
			}
			if err != nil {
				slog.Error("Error occurred while retrying record in sweep", "record_id", record.ID, "error", err.Error())
				continue
			}
			if ok {
				succeeded++
			}
		}
		return fmt.Sprintf("swept %d due records, %d resent", len(due), succeeded), nil
	}
}
