package backup

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/compilenix/rbd-zfs-backup-worker/types"
)

// Lifecycle manages marker snapshots. A marker is created at the start
// of a run, consumed as the diff base by the next run, and removed once
// that next run has finalized its destination snapshot. Between
// completed runs exactly one marker exists on the source.
type Lifecycle struct {
	src    SourceClient
	dst    DestinationClient
	logger logrus.FieldLogger
}

func NewLifecycle(src SourceClient, dst DestinationClient) *Lifecycle {
	return &Lifecycle{
		src:    src,
		dst:    dst,
		logger: logrus.WithField("component", "lifecycle"),
	}
}

// CreateMarker snapshots the source under a fresh marker name and
// returns it. No retry on failure: snapshot creation is atomic at the
// storage layer, either the snapshot exists afterwards or it does not.
func (l *Lifecycle) CreateMarker(volume string) (string, error) {
	name := types.GenerateBackupSnapshotName()
	if err := l.src.CreateSnapshot(volume, name); err != nil {
		return "", errors.Wrapf(err, "error creating marker snapshot for volume '%s'", volume)
	}
	l.logger.Infof("Created marker snapshot %v@%v", volume, name)
	return name, nil
}

// RemoveMarker deletes a consumed marker. A failure is surfaced to the
// caller: a leaked marker makes the next run fail its consistency
// check, so it is part of the run, not best-effort teardown.
func (l *Lifecycle) RemoveMarker(volume, marker string) error {
	if err := l.src.DeleteSnapshot(volume, marker); err != nil {
		return errors.Wrapf(err, "error removing marker snapshot '%s@%s'", volume, marker)
	}
	l.logger.Infof("Removed marker snapshot %v@%v", volume, marker)
	return nil
}

// FinalizeDestination checkpoints the destination with a snapshot after
// a completed copy. Until it succeeds the destination must be treated
// as inconsistent.
func (l *Lifecycle) FinalizeDestination(dataset string) (string, error) {
	name := types.GenerateBackupSnapshotName()
	if err := l.dst.CreateSnapshot(dataset, name); err != nil {
		return "", errors.Wrapf(err, "error creating destination snapshot for '%s'", dataset)
	}
	l.logger.Infof("Created destination snapshot %v@%v", dataset, name)
	return name, nil
}
