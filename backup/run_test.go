package backup

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compilenix/rbd-zfs-backup-worker/cephapi"
	"github.com/compilenix/rbd-zfs-backup-worker/types"
)

func testOptions() Options {
	return Options{
		Source:      testVolume,
		Destination: testDataset,
		ChunkSize:   16 * 1024,
	}
}

func readDestination(t *testing.T, dst *DestinationSimulator) []byte {
	t.Helper()
	data, err := os.ReadFile(dst.DevicePath(testDataset))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// Initial run: full copy, destination volume and snapshot created, one
// marker left on the source.
func TestRunInitial(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())

	runner := NewRunner(src, dst, nil, testOptions())
	assert.Nil(runner.Run(nil))

	exists, err := dst.VolumeExists(testDataset)
	assert.Nil(err)
	assert.True(exists)

	size, err := dst.DeviceSize(dst.DevicePath(testDataset))
	assert.Nil(err)
	assert.Equal(testSize, size)

	markers := src.SnapshotNames()
	assert.Equal(1, len(markers))
	assert.True(types.IsBackupSnapshotName(markers[0]))
	assert.Equal(1, len(dst.Snapshots(testDataset)))
	assert.False(src.IsMapped())

	assert.Equal(src.head, readDestination(t, dst))
}

// Incremental run with an empty delta: zero bytes move, the
// destination snapshot is still created and the markers rotate.
func TestRunIncrementalNoChange(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())

	assert.Nil(src.CreateSnapshot(testVolume, "backup_snapshot_0badcafe"))
	assert.Nil(dst.AdoptVolume(testDataset, src.head))

	runner := NewRunner(src, dst, nil, testOptions())
	assert.Nil(runner.Run(nil))

	markers := src.SnapshotNames()
	assert.Equal(1, len(markers))
	assert.NotEqual("backup_snapshot_0badcafe", markers[0])
	assert.True(types.IsBackupSnapshotName(markers[0]))
	assert.Equal(1, len(dst.Snapshots(testDataset)))
	assert.False(src.IsMapped())
}

// Incremental run applying a real delta converges the destination to
// the new snapshot content.
func TestRunIncrementalWithChanges(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())

	assert.Nil(src.CreateSnapshot(testVolume, "backup_snapshot_0badcafe"))
	assert.Nil(dst.AdoptVolume(testDataset, src.head))

	// mutate two ranges of the live volume after the base snapshot
	src.WriteHead(4096, randomBytes(t, 8192))
	src.WriteHead(128*1024, randomBytes(t, 1024))
	src.SetDiffResult([]cephapi.Extent{
		{Offset: 4096, Length: 8192, Exists: "true"},
		{Offset: 128 * 1024, Length: 1024, Exists: "true"},
	})

	runner := NewRunner(src, dst, nil, testOptions())
	assert.Nil(runner.Run(nil))

	assert.Equal(src.head, readDestination(t, dst))
	assert.Equal(1, len(src.SnapshotNames()))
	assert.Equal(1, len(dst.Snapshots(testDataset)))
}

// Size mismatch aborts before any byte is transferred and leaves no
// snapshot behind.
func TestRunSizeMismatch(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())
	dst.CreateVolumeSize = testSize / 2

	runner := NewRunner(src, dst, nil, testOptions())
	err := runner.Run(nil)
	assert.NotNil(err)
	assert.True(types.IsSizeMismatch(err))

	assert.Empty(dst.Snapshots(testDataset))
	assert.Empty(src.SnapshotNames())
	assert.False(src.IsMapped())
}

// Interruption during an incremental run: the mapped device is
// released, no destination snapshot is created, and only the old
// marker survives so the next run retries from it.
func TestRunInterrupted(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())

	assert.Nil(src.CreateSnapshot(testVolume, "backup_snapshot_0badcafe"))
	assert.Nil(dst.AdoptVolume(testDataset, src.head))

	stop := make(chan struct{})
	src.MapHook = func() { close(stop) }

	runner := NewRunner(src, dst, nil, testOptions())
	err := runner.Run(stop)
	assert.NotNil(err)
	assert.True(types.IsInterrupted(err))

	assert.False(src.IsMapped())
	assert.Empty(dst.Snapshots(testDataset))
	assert.Equal([]string{"backup_snapshot_0badcafe"}, src.SnapshotNames())
}

// Two consecutive runs keep exactly one marker on the source between
// them, and the marker identity advances each cycle.
func TestRunMarkerCycle(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())

	assert.Nil(NewRunner(src, dst, nil, testOptions()).Run(nil))
	first := src.SnapshotNames()
	assert.Equal(1, len(first))

	src.WriteHead(0, randomBytes(t, 4096))
	src.SetDiffResult([]cephapi.Extent{{Offset: 0, Length: 4096, Exists: "true"}})

	assert.Nil(NewRunner(src, dst, nil, testOptions()).Run(nil))
	second := src.SnapshotNames()
	assert.Equal(1, len(second))
	assert.NotEqual(first[0], second[0])

	assert.Equal(src.head, readDestination(t, dst))
	assert.Equal(2, len(dst.Snapshots(testDataset)))
}

// A failed destination finalization surfaces the error and rolls the
// new marker back so the pair stays consistent.
func TestRunFinalizeFailure(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())
	dst.CreateSnapshotErr = os.ErrPermission

	assert.Nil(src.CreateSnapshot(testVolume, "backup_snapshot_0badcafe"))
	assert.Nil(dst.AdoptVolume(testDataset, src.head))

	runner := NewRunner(src, dst, nil, testOptions())
	err := runner.Run(nil)
	assert.NotNil(err)

	assert.False(src.IsMapped())
	assert.Equal([]string{"backup_snapshot_0badcafe"}, src.SnapshotNames())
}

func TestCleanupIdempotent(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	dst := NewDestinationSimulator(t.TempDir())

	runner := NewRunner(src, dst, nil, testOptions())
	assert.Nil(src.CreateSnapshot(testVolume, "backup_snapshot_0badcafe"))
	dev, err := src.MapReadOnly(testVolume + "@backup_snapshot_0badcafe")
	assert.Nil(err)
	runner.mappedDevice = dev

	runner.Cleanup()
	assert.False(src.IsMapped())
	// second invocation must not fail or unmap again
	runner.Cleanup()
	assert.False(src.IsMapped())
}

// The gate is engaged before any mutation and scrubbing is restored by
// cleanup even when the run fails.
func TestRunGateRestoresScrubbing(t *testing.T) {
	assert := require.New(t)

	src := NewSourceSimulator(testVolume, testSize, t.TempDir())
	src.WriteHead(0, randomBytes(t, int(testSize)))
	dst := NewDestinationSimulator(t.TempDir())
	dst.CreateVolumeSize = testSize / 2 // force a failure after gating
	gate := &gateSimulator{}

	opts := testOptions()
	opts.WaitUntilHealthy = true
	opts.DisableScrubbing = true

	err := NewRunner(src, dst, gate, opts).Run(nil)
	assert.NotNil(err)
	assert.True(types.IsSizeMismatch(err))

	assert.Equal(1, gate.healthWaits)
	assert.Equal(1, gate.scrubWaits)
	assert.True(gate.disabled)
	assert.True(gate.reenabled)
}

type gateSimulator struct {
	healthWaits int
	scrubWaits  int
	disabled    bool
	reenabled   bool
}

func (g *gateSimulator) WaitForHealthy(stop <-chan struct{}) error {
	g.healthWaits++
	return nil
}

func (g *gateSimulator) WaitForScrubbingComplete(stop <-chan struct{}) error {
	g.scrubWaits++
	return nil
}

func (g *gateSimulator) DisableScrubbing() error {
	g.disabled = true
	return nil
}

func (g *gateSimulator) EnableScrubbing() error {
	g.reenabled = true
	return nil
}
