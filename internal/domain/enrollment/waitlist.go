package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/shared"
)

// WaitlistQueue is the ordered per-course queue of students waiting for a
// seat. All methods must run inside Store.WithinCourse for the course so
// position computation and the following write are one unit.
type WaitlistQueue struct{}

// NewWaitlistQueue creates a queue.
func NewWaitlistQueue() *WaitlistQueue {
	return &WaitlistQueue{}
}

// NextPosition returns max active position + 1, or 1 for an empty queue.
func (q *WaitlistQueue) NextPosition(ctx context.Context, tx Tx, courseID string) (int, error) {
	max, err := tx.MaxActivePosition(ctx, courseID)
	if err != nil {
		return 0, fmt.Errorf("max waitlist position: %w", err)
	}
	return max + 1, nil
}

// Enqueue puts the student at the tail of the queue, reusing the pair's
// inactive row if there is one.
func (q *WaitlistQueue) Enqueue(ctx context.Context, tx Tx, studentID, courseID string, now time.Time) (*WaitlistEntry, error) {
	pos, err := q.NextPosition(ctx, tx, courseID)
	if err != nil {
		return nil, err
	}

	entry, err := tx.FindWaitlistEntry(ctx, studentID, courseID)
	switch {
	case err == nil:
		if err := entry.Reactivate(pos, now); err != nil {
			return nil, err
		}
	case shared.IsNotFound(err):
		entry = NewWaitlistEntry(studentID, courseID, pos, now)
	default:
		return nil, fmt.Errorf("load waitlist entry: %w", err)
	}

	if err := tx.SaveWaitlistEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("save waitlist entry: %w", err)
	}
	return entry, nil
}

// PromoteNext deactivates the head of the queue and returns it, or nil when
// the queue is empty. The remaining active entries are renumbered 1..n.
// It does not create the enrollment; the caller grants the seat in the
// same unit.
func (q *WaitlistQueue) PromoteNext(ctx context.Context, tx Tx, courseID string, now time.Time) (*WaitlistEntry, error) {
	head, err := tx.FirstActiveWaitlistEntry(ctx, courseID)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load waitlist head: %w", err)
	}

	if err := head.Deactivate(now); err != nil {
		return nil, err
	}
	if err := tx.SaveWaitlistEntry(ctx, head); err != nil {
		return nil, fmt.Errorf("deactivate waitlist head: %w", err)
	}

	if err := q.renumber(ctx, tx, courseID, now); err != nil {
		return nil, err
	}
	return head, nil
}

// Remove deactivates the student's active entry. Other positions are left
// untouched, so a gap may remain until the next promotion.
func (q *WaitlistQueue) Remove(ctx context.Context, tx Tx, studentID, courseID string, now time.Time) (*WaitlistEntry, error) {
	entry, err := tx.FindWaitlistEntry(ctx, studentID, courseID)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.ErrNotOnWaitlist
		}
		return nil, fmt.Errorf("load waitlist entry: %w", err)
	}

	if err := entry.Deactivate(now); err != nil {
		return nil, err
	}
	if err := tx.SaveWaitlistEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("deactivate waitlist entry: %w", err)
	}
	return entry, nil
}

// renumber walks the active entries in order and moves each one down to
// its rank. Positions only ever decrease, so no two active entries share a
// position at any step.
func (q *WaitlistQueue) renumber(ctx context.Context, tx Tx, courseID string, now time.Time) error {
	active, err := tx.ListActiveWaitlist(ctx, courseID)
	if err != nil {
		return fmt.Errorf("list waitlist: %w", err)
	}
	for i, e := range active {
		rank := i + 1
		if e.Position == rank {
			continue
		}
		e.Position = rank
		e.UpdatedAt = now
		if err := tx.SaveWaitlistEntry(ctx, e); err != nil {
			return fmt.Errorf("renumber waitlist entry: %w", err)
		}
	}
	return nil
}
