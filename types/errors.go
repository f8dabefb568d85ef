package types

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/compilenix/rbd-zfs-backup-worker/util"
)

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v was not found", e.Name)
}

// ConsistencyError signals that the marker snapshot count and the
// destination existence disagree, which means a previous run died
// without rolling back. Neither system has been mutated when it is
// raised.
type ConsistencyError struct {
	Volume            string
	MarkerCount       int
	Destination       string
	DestinationExists bool
	Reason            string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent state for volume %v (markers=%v, destination %v exists=%v): %v",
		e.Volume, e.MarkerCount, e.Destination, e.DestinationExists, e.Reason)
}

type SizeMismatchError struct {
	Source          string
	SourceSize      int64
	Destination     string
	DestinationSize int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch between source %v (%v bytes) and destination %v (%v bytes)",
		e.Source, e.SourceSize, e.Destination, e.DestinationSize)
}

// OverlapError signals two delta extents covering the same byte range.
// The diff tool is supposed to never produce this; copying overlapped
// extents would let the second write win silently.
type OverlapError struct {
	FirstOffset  uint64
	FirstLength  uint64
	SecondOffset uint64
	SecondLength uint64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("delta extent [%v,+%v) overlaps extent [%v,+%v)",
		e.SecondOffset, e.SecondLength, e.FirstOffset, e.FirstLength)
}

type InterruptedError struct{}

func (e *InterruptedError) Error() string {
	return "interrupted, terminating"
}

func IsNotFound(err error) bool {
	notFound := &NotFoundError{}
	return errors.As(err, &notFound)
}

func IsConsistencyError(err error) bool {
	consistency := &ConsistencyError{}
	return errors.As(err, &consistency)
}

func IsSizeMismatch(err error) bool {
	mismatch := &SizeMismatchError{}
	return errors.As(err, &mismatch)
}

func IsInterrupted(err error) bool {
	interrupted := &InterruptedError{}
	return errors.As(err, &interrupted)
}

// IsToolExecution reports whether an external storage command failed or
// timed out somewhere in err's cause chain.
func IsToolExecution(err error) bool {
	execErr := &util.ExecuteError{}
	return errors.As(err, &execErr)
}
