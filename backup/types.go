// Package backup implements the replication state machine that copies
// a Ceph RBD volume into a local ZFS zvol. A run either performs a full
// initial copy or an incremental extent-based copy, anchored by marker
// snapshots on the source.
package backup

import (
	"github.com/compilenix/rbd-zfs-backup-worker/cephapi"
	"github.com/compilenix/rbd-zfs-backup-worker/types"
)

// SourceClient is the source-side tool adapter, implemented by
// cephapi.Client.
type SourceClient interface {
	VolumeExists(volume string) (bool, error)
	ListSnapshots(volume string) ([]cephapi.Snapshot, error)
	CreateSnapshot(volume, name string) error
	DeleteSnapshot(volume, name string) error
	GetVolumeInfo(volume string) (*cephapi.VolumeInfo, error)
	MapReadOnly(spec string) (string, error)
	Unmap(dev string) error
	Diff(volume, fromSnap, toSnap string, wholeObject bool) ([]cephapi.Extent, error)
}

// DestinationClient is the destination-side tool adapter, implemented
// by zfsapi.Client.
type DestinationClient interface {
	DevicePath(dataset string) string
	VolumeExists(dataset string) (bool, error)
	CreateVolume(dataset string, size int64) error
	CreateSnapshot(dataset, name string) error
	DeviceSize(dev string) (int64, error)
}

// ClusterGate pauses the run until the source cluster is in a state
// safe to snapshot, and can suspend scrubbing for the run's duration.
type ClusterGate interface {
	WaitForHealthy(stop <-chan struct{}) error
	WaitForScrubbingComplete(stop <-chan struct{}) error
	DisableScrubbing() error
	EnableScrubbing() error
}

// Mode is the resolved replication strategy for a volume pair.
// BaseSnapshot is set only for incremental mode and names the marker
// snapshot the previous run left behind.
type Mode struct {
	Mode         types.BackupMode
	BaseSnapshot string
}

type Options struct {
	Source      string
	Destination string

	// FsyncEveryChunk flushes the destination after every chunk,
	// trading throughput for crash durability.
	FsyncEveryChunk bool

	// WholeObjectDiff diffs at backing-object granularity. Much faster
	// to compute, may over-report changed bytes.
	WholeObjectDiff bool

	WaitUntilHealthy bool
	DisableScrubbing bool

	// ChunkSize is the copy buffer size; zero means
	// types.DefaultCopyBlockSize.
	ChunkSize int64
}
