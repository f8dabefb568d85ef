package backup

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compilenix/rbd-zfs-backup-worker/types"
)

func TestCreateMarker(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	dst := NewDestinationSimulator(t.TempDir())
	lifecycle := NewLifecycle(src, dst)

	marker, err := lifecycle.CreateMarker(testVolume)
	assert.Nil(err)
	assert.True(types.IsBackupSnapshotName(marker))
	assert.Equal([]string{marker}, src.SnapshotNames())

	// each marker gets a fresh suffix
	second, err := lifecycle.CreateMarker(testVolume)
	assert.Nil(err)
	assert.NotEqual(marker, second)
}

func TestCreateMarkerFailure(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.CreateSnapshotErr = os.ErrPermission
	lifecycle := NewLifecycle(src, NewDestinationSimulator(t.TempDir()))

	_, err := lifecycle.CreateMarker(testVolume)
	assert.NotNil(err)
	assert.Contains(err.Error(), "error creating marker snapshot")
	assert.Empty(src.SnapshotNames())
}

func TestRemoveMarkerSurfacesFailure(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.DeleteSnapshotErr = os.ErrPermission
	lifecycle := NewLifecycle(src, NewDestinationSimulator(t.TempDir()))

	err := lifecycle.RemoveMarker(testVolume, "backup_snapshot_0badcafe")
	assert.NotNil(err)
	assert.Contains(err.Error(), "error removing marker snapshot")
}

func TestFinalizeDestination(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	dst := NewDestinationSimulator(t.TempDir())
	assert.Nil(dst.AdoptVolume(testDataset, make([]byte, testSize)))
	lifecycle := NewLifecycle(src, dst)

	name, err := lifecycle.FinalizeDestination(testDataset)
	assert.Nil(err)
	assert.True(types.IsBackupSnapshotName(name))
	assert.Equal([]string{name}, dst.Snapshots(testDataset))
}
