package backup

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/compilenix/rbd-zfs-backup-worker/cephapi"
	"github.com/compilenix/rbd-zfs-backup-worker/types"
	"github.com/compilenix/rbd-zfs-backup-worker/util"
)

type WriteSyncer interface {
	io.Writer
	Sync() error
}

type WriteSeekSyncer interface {
	io.WriteSeeker
	Sync() error
}

// Copier moves bytes between two block devices in bounded chunks. It
// is strictly sequential; the only way it stops early is an error or
// the stop channel closing between chunks.
type Copier struct {
	chunkSize int64
	fsync     bool
	stop      <-chan struct{}
	logger    logrus.FieldLogger
}

func NewCopier(chunkSize int64, fsync bool, stop <-chan struct{}) *Copier {
	if chunkSize <= 0 {
		chunkSize = types.DefaultCopyBlockSize
	}
	return &Copier{
		chunkSize: chunkSize,
		fsync:     fsync,
		stop:      stop,
		logger:    logrus.WithField("component", "copier"),
	}
}

func (c *Copier) interrupted() bool {
	if c.stop == nil {
		return false
	}
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Copier) flush(dst WriteSyncer) error {
	if !c.fsync {
		return nil
	}
	c.logger.Debug("Flushing destination")
	if err := dst.Sync(); err != nil {
		return errors.Wrap(err, "error syncing destination")
	}
	return nil
}

// CopyFull copies the whole source device sequentially, terminating on
// EOF, and returns the number of bytes copied. totalSize is only used
// for progress reporting.
func (c *Copier) CopyFull(src io.Reader, dst WriteSyncer, totalSize int64) (int64, error) {
	c.logger.Infof("Starting full copy of %v with buffer size %v",
		util.SizeToHumanReadable(totalSize), util.SizeToHumanReadable(c.chunkSize))

	buf := make([]byte, c.chunkSize)
	var copied int64
	var chunks int64
	for {
		if c.interrupted() {
			return copied, &types.InterruptedError{}
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return copied, errors.Wrapf(werr, "error writing chunk at offset %v", copied)
			}
			if ferr := c.flush(dst); ferr != nil {
				return copied, ferr
			}
			copied += int64(n)
			chunks++
			c.logger.Debugf("Transferred %v chunks, %v bytes (%v) of %v bytes (%v)",
				chunks, copied, util.SizeToHumanReadable(copied), totalSize, util.SizeToHumanReadable(totalSize))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return copied, errors.Wrapf(err, "error reading chunk at offset %v", copied)
		}
	}

	c.logger.Infof("Full copy finished, transferred %v chunks, %v of %v",
		chunks, util.SizeToHumanReadable(copied), util.SizeToHumanReadable(totalSize))
	return copied, nil
}

// CopyDelta copies every extent from src to dst at its own offset, in
// the order supplied. The extents must be disjoint; overlap is
// rejected before any byte is written. An empty extent list is a
// successful no-op.
//
// The result is only a faithful replica if dst was byte-identical to
// the source at the diff base before the call. The copier cannot and
// does not verify that; it is guaranteed by the marker lifecycle, not
// by this code.
func (c *Copier) CopyDelta(src io.ReadSeeker, dst WriteSeekSyncer, extents []cephapi.Extent) (int64, error) {
	if err := validateExtents(extents); err != nil {
		return 0, err
	}

	var totalSize int64
	for _, extent := range extents {
		totalSize += int64(extent.Length)
	}
	if len(extents) == 0 {
		c.logger.Info("No change between snapshots, nothing to copy")
		return 0, nil
	}
	c.logger.Infof("Starting delta copy of %v extents resulting in %v",
		len(extents), util.SizeToHumanReadable(totalSize))

	buf := make([]byte, c.chunkSize)
	var copied int64
	for i, extent := range extents {
		if c.interrupted() {
			return copied, &types.InterruptedError{}
		}
		c.logger.Debugf("Seeking to offset %v (%v), extent length %v (%v)",
			extent.Offset, util.SizeToHumanReadable(int64(extent.Offset)),
			extent.Length, util.SizeToHumanReadable(int64(extent.Length)))
		if _, err := src.Seek(int64(extent.Offset), io.SeekStart); err != nil {
			return copied, errors.Wrapf(err, "error seeking source to offset %v", extent.Offset)
		}
		if _, err := dst.Seek(int64(extent.Offset), io.SeekStart); err != nil {
			return copied, errors.Wrapf(err, "error seeking destination to offset %v", extent.Offset)
		}

		remaining := int64(extent.Length)
		for remaining > 0 {
			if c.interrupted() {
				return copied, &types.InterruptedError{}
			}
			s := remaining
			if s > c.chunkSize {
				s = c.chunkSize
			}
			if _, err := io.ReadFull(src, buf[:s]); err != nil {
				return copied, errors.Wrapf(err, "error reading %v bytes in extent at offset %v", s, extent.Offset)
			}
			if _, err := dst.Write(buf[:s]); err != nil {
				return copied, errors.Wrapf(err, "error writing %v bytes in extent at offset %v", s, extent.Offset)
			}
			if err := c.flush(dst); err != nil {
				return copied, err
			}
			remaining -= s
			copied += s
		}
		c.logger.Infof("Transferred %v of %v extents, %v of %v",
			i+1, len(extents), util.SizeToHumanReadable(copied), util.SizeToHumanReadable(totalSize))
	}

	c.logger.Infof("Delta copy finished, transferred %v extents, %v",
		len(extents), util.SizeToHumanReadable(copied))
	return copied, nil
}

// validateExtents rejects overlapping extents. The diff tool promises
// disjoint ranges; if that promise is broken the second write would win
// silently, so fail loudly instead.
func validateExtents(extents []cephapi.Extent) error {
	if len(extents) < 2 {
		return nil
	}
	sorted := make([]cephapi.Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Offset+prev.Length > cur.Offset {
			return &types.OverlapError{
				FirstOffset:  prev.Offset,
				FirstLength:  prev.Length,
				SecondOffset: cur.Offset,
				SecondLength: cur.Length,
			}
		}
	}
	return nil
}
