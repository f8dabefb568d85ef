package backup

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/compilenix/rbd-zfs-backup-worker/types"
)

// Inspector derives the replication mode of a volume pair from the
// marker snapshots on the source and the existence of the destination.
// It only reads; calling it never mutates either system, so it can be
// re-run any number of times with the same answer.
type Inspector struct {
	src    SourceClient
	dst    DestinationClient
	logger logrus.FieldLogger
}

func NewInspector(src SourceClient, dst DestinationClient) *Inspector {
	return &Inspector{
		src:    src,
		dst:    dst,
		logger: logrus.WithField("component", "inspector"),
	}
}

// ResolveMode returns BackupModeInitial when the source carries no
// marker snapshot and the destination does not exist, and
// BackupModeIncremental when exactly one marker exists and the
// destination is present. Every other combination means a previous run
// died half-way and requires operator attention before anything may be
// mutated.
func (i *Inspector) ResolveMode(volume, dataset string) (*Mode, error) {
	exists, err := i.src.VolumeExists(volume)
	if err != nil {
		return nil, errors.Wrapf(err, "error checking existence of source volume '%s'", volume)
	}
	if !exists {
		return nil, &types.NotFoundError{Name: volume}
	}

	destExists, err := i.dst.VolumeExists(dataset)
	if err != nil {
		return nil, errors.Wrapf(err, "error checking existence of destination '%s'", dataset)
	}

	markers, err := i.listMarkers(volume)
	if err != nil {
		return nil, err
	}
	i.logger.Debugf("Volume %v has %v marker snapshot(s), destination %v exists=%v",
		volume, len(markers), dataset, destExists)

	consistency := func(reason string) error {
		return &types.ConsistencyError{
			Volume:            volume,
			MarkerCount:       len(markers),
			Destination:       dataset,
			DestinationExists: destExists,
			Reason:            reason,
		}
	}

	switch {
	case len(markers) > 1:
		return nil, consistency("more than one backup snapshot on the source")
	case len(markers) == 1 && !destExists:
		return nil, consistency("backup snapshot found but destination does not exist")
	case len(markers) == 0 && destExists:
		return nil, consistency("destination exists but no backup snapshot found on the source")
	case len(markers) == 0:
		return &Mode{Mode: types.BackupModeInitial}, nil
	default:
		return &Mode{Mode: types.BackupModeIncremental, BaseSnapshot: markers[0]}, nil
	}
}

func (i *Inspector) listMarkers(volume string) ([]string, error) {
	snapshots, err := i.src.ListSnapshots(volume)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing snapshots of source volume '%s'", volume)
	}
	markers := []string{}
	for _, snapshot := range snapshots {
		if types.IsBackupSnapshotName(snapshot.Name) {
			markers = append(markers, snapshot.Name)
		}
	}
	return markers, nil
}
