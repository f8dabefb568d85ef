package zfsapi

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevicePath(t *testing.T) {
	assert := require.New(t)

	c := NewClient()
	assert.Equal("/dev/zvol/backup_pool_1/backup_test", c.DevicePath("backup_pool_1/backup_test"))
	assert.Equal("/dev/zvol/tank/vol", c.DevicePath("tank/vol"))
}

func TestVolumeExistsRegularFile(t *testing.T) {
	assert := require.New(t)

	// A regular file at the device path is not a zvol.
	dir := t.TempDir()
	c := &Client{deviceRoot: dir, logger: testLogger()}
	writeFile(t, filepath.Join(dir, "tank"), "not a device")

	exists, err := c.VolumeExists("tank")
	assert.Nil(err)
	assert.False(exists)
}

func TestVolumeExistsMissing(t *testing.T) {
	assert := require.New(t)

	c := &Client{deviceRoot: t.TempDir(), logger: testLogger()}
	exists, err := c.VolumeExists("tank/missing")
	assert.Nil(err)
	assert.False(exists)
}

func TestParseSnapshotList(t *testing.T) {
	assert := require.New(t)

	output := "tank/vol@backup_snapshot_0011aabb\ntank/vol@manual\ntank/other@stray\n\n"
	names := parseSnapshotList("tank/vol", output)
	assert.Equal([]string{"backup_snapshot_0011aabb", "manual"}, names)

	assert.Empty(parseSnapshotList("tank/vol", ""))
}
