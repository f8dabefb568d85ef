package types

import (
	"github.com/compilenix/rbd-zfs-backup-worker/util"
)

const (
	// BackupSnapshotPrefix marks snapshots owned by the backup worker.
	// Snapshots without the prefix belong to users and are never touched.
	BackupSnapshotPrefix = "backup_snapshot_"

	DefaultPool = "rbd"

	// ZvolDeviceRoot is where ZFS exposes zvol block device nodes.
	ZvolDeviceRoot = "/dev/zvol"

	// DefaultCopyBlockSize is the transfer buffer size, 4 MiB.
	DefaultCopyBlockSize = int64(4 * 1024 * 1024)
)

type BackupMode string

const (
	BackupModeInitial     = BackupMode("initial")
	BackupModeIncremental = BackupMode("incremental")
)

func GenerateBackupSnapshotName() string {
	return BackupSnapshotPrefix + util.RandomID()
}

// IsBackupSnapshotName reports whether the worker owns a snapshot,
// judged solely by its name prefix.
func IsBackupSnapshotName(name string) bool {
	return len(name) > len(BackupSnapshotPrefix) &&
		name[:len(BackupSnapshotPrefix)] == BackupSnapshotPrefix
}
