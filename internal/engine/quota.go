package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxRounds is the default ceiling on rounds per drain.
// Pathological function logic that keeps re-arming triggers would otherwise
// drain forever.
const DefaultMaxRounds = 100

// roundQuota counts the rounds of one drain.
//
// Each drain has its own quota. The quota is checked before every round;
// exceeding it terminates the drain with a RoundLimitError.
type roundQuota struct {
	maxRounds int
	current   int
}

func newRoundQuota(maxRounds int) *roundQuota {
	return &roundQuota{maxRounds: maxRounds}
}

// Check increments the round counter and validates against the limit.
func (q *roundQuota) Check() error {
	q.current++
	if q.current > q.maxRounds {
		return &RoundLimitError{Rounds: q.current - 1, Limit: q.maxRounds}
	}
	return nil
}

// RoundLimitError is returned by Drain.Wait when a drain hit the round
// ceiling. The drain stops; unprocessed intercepts stay queued and the next
// Tick picks them up.
type RoundLimitError struct {
	Rounds int // Rounds completed before the drain stopped
	Limit  int // Maximum allowed rounds
}

// Error implements the error interface.
func (e *RoundLimitError) Error() string {
	return fmt.Sprintf("drain exceeded round limit: %d rounds >= %d limit", e.Rounds, e.Limit)
}

// IsRoundLimitError returns true if the error is a RoundLimitError.
// Uses errors.As to handle wrapped errors.
func IsRoundLimitError(err error) bool {
	var re *RoundLimitError
	return errors.As(err, &re)
}
