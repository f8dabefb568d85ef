package cephapi

// Snapshot is one entry of `rbd snap ls --format json`.
type Snapshot struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Protected string `json:"protected,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// VolumeInfo is the subset of `rbd info --format json` the worker needs.
type VolumeInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Objects    int64  `json:"objects"`
	Order      int    `json:"order"`
	ObjectSize int64  `json:"object_size"`
	BlockName  string `json:"block_name_prefix"`
}

// Extent is one changed byte range reported by `rbd diff` between two
// snapshots. Exists is "true" for written ranges and "false" for
// discarded ones.
type Extent struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Exists string `json:"exists"`
}
