package review

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/conorfennell/metis/internal/domain"
)

// Intervals maps a review level to the number of days until the next review.
type Intervals map[int]int

// DefaultIntervals is the classic leveled spaced-repetition curve.
func DefaultIntervals() Intervals {
	return Intervals{0: 1, 1: 3, 2: 7, 3: 14, 4: 30}
}

// Overflow decides which interval a level beyond the table receives.
type Overflow string

const (
	// OverflowBase falls back to the level 0 interval. This is the
	// historical behaviour: intervals shrink once a gem outgrows the table.
	OverflowBase Overflow = "base"
	// OverflowMax keeps using the interval of the highest configured level.
	OverflowMax Overflow = "max"
)

// ErrInvalidIntervals is returned by NewScheduler for a malformed table.
var ErrInvalidIntervals = errors.New("review: invalid interval table")

// Scheduler computes due dates for gems. It holds no mutable state and
// is safe for concurrent use.
type Scheduler struct {
	intervals Intervals
	overflow  Overflow
	maxLevel  int
}

// NewScheduler validates the interval table and returns a Scheduler.
// A nil table uses DefaultIntervals, an empty overflow uses OverflowBase.
func NewScheduler(intervals Intervals, overflow Overflow) (*Scheduler, error) {
	if intervals == nil {
		intervals = DefaultIntervals()
	}
	if overflow == "" {
		overflow = OverflowBase
	}
	if overflow != OverflowBase && overflow != OverflowMax {
		return nil, fmt.Errorf("review: unknown overflow policy %q", overflow)
	}
	if _, ok := intervals[0]; !ok {
		return nil, fmt.Errorf("%w: level 0 is required", ErrInvalidIntervals)
	}

	table := make(Intervals, len(intervals))
	maxLevel := 0
	for level, days := range intervals {
		if level < 0 {
			return nil, fmt.Errorf("%w: negative level %d", ErrInvalidIntervals, level)
		}
		if days < 1 {
			return nil, fmt.Errorf("%w: level %d has %d days", ErrInvalidIntervals, level, days)
		}
		table[level] = days
		maxLevel = max(maxLevel, level)
	}

	return &Scheduler{intervals: table, overflow: overflow, maxLevel: maxLevel}, nil
}

// Intervals returns a copy of the configured table.
func (s *Scheduler) Intervals() Intervals {
	out := make(Intervals, len(s.intervals))
	for k, v := range s.intervals {
		out[k] = v
	}
	return out
}

// Levels returns the configured levels in ascending order.
func (s *Scheduler) Levels() []int {
	levels := make([]int, 0, len(s.intervals))
	for k := range s.intervals {
		levels = append(levels, k)
	}
	slices.Sort(levels)
	return levels
}

// Interval returns the number of days a gem at the given level waits.
// Levels missing from the table follow the overflow policy. Negative
// levels are never produced by RecordReview and resolve the same way.
func (s *Scheduler) Interval(level int) int {
	if days, ok := s.intervals[level]; ok {
		return days
	}
	if s.overflow == OverflowMax && level > s.maxLevel {
		return s.intervals[s.maxLevel]
	}
	return s.intervals[0]
}

// NextReviewInstant returns now plus the level's interval in calendar days.
func (s *Scheduler) NextReviewInstant(level int, now time.Time) time.Time {
	return now.AddDate(0, 0, s.Interval(level))
}

// Schedule returns a copy of the gem reset to level 0 and due one
// level-0 interval after now. Used when a gem is first created.
func (s *Scheduler) Schedule(gem domain.Gem, now time.Time) domain.Gem {
	out := clone(gem)
	out.ReviewLevel = 0
	at := s.NextReviewInstant(0, now)
	out.ReviewAt = &at
	return out
}

// RecordReview returns a copy of the gem advanced by exactly one level,
// due one interval of the new level after asOf. The input is not mutated.
func (s *Scheduler) RecordReview(gem domain.Gem, asOf time.Time) domain.Gem {
	out := clone(gem)
	out.ReviewLevel = gem.ReviewLevel + 1
	at := s.NextReviewInstant(out.ReviewLevel, asOf)
	out.ReviewAt = &at
	return out
}

// IsDue reports whether the gem is scheduled at or before asOf.
func IsDue(gem domain.Gem, asOf time.Time) bool {
	return gem.ReviewAt != nil && !gem.ReviewAt.After(asOf)
}

// PartitionDue splits gems into those due as of asOf and the rest,
// preserving relative order. Unscheduled gems are never due.
func PartitionDue(gems []domain.Gem, asOf time.Time) (due, notDue []domain.Gem) {
	due = make([]domain.Gem, 0, len(gems))
	notDue = make([]domain.Gem, 0, len(gems))
	for _, g := range gems {
		if IsDue(g, asOf) {
			due = append(due, g)
		} else {
			notDue = append(notDue, g)
		}
	}
	return due, notDue
}

func clone(g domain.Gem) domain.Gem {
	out := g
	if g.Tags != nil {
		out.Tags = slices.Clone(g.Tags)
	}
	if g.ReviewAt != nil {
		v := *g.ReviewAt
		out.ReviewAt = &v
	}
	if g.SourceID != nil {
		v := *g.SourceID
		out.SourceID = &v
	}
	return out
}
