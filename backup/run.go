package backup

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/compilenix/rbd-zfs-backup-worker/types"
	"github.com/compilenix/rbd-zfs-backup-worker/util"
)

// Runner binds one end-to-end replication run. It owns the mapped
// source device and any cluster state it changed, and releases both
// through Cleanup on every exit path: success, error, or interruption.
type Runner struct {
	src    SourceClient
	dst    DestinationClient
	gate   ClusterGate
	opts   Options
	logger logrus.FieldLogger

	mappedDevice      string
	pendingMarker     string
	scrubbingDisabled bool
	cleanupOnce       sync.Once
}

// NewRunner builds a Runner. gate may be nil when no health gating is
// requested.
func NewRunner(src SourceClient, dst DestinationClient, gate ClusterGate, opts Options) *Runner {
	return &Runner{
		src:  src,
		dst:  dst,
		gate: gate,
		opts: opts,
		logger: logrus.WithFields(logrus.Fields{
			"source":      opts.Source,
			"destination": opts.Destination,
		}),
	}
}

// Run executes one replication run. Cleanup is guaranteed to execute
// exactly once before Run returns, whatever the outcome.
func (r *Runner) Run(stop <-chan struct{}) error {
	defer r.Cleanup()
	return r.run(stop)
}

func (r *Runner) run(stop <-chan struct{}) error {
	mode, err := NewInspector(r.src, r.dst).ResolveMode(r.opts.Source, r.opts.Destination)
	if err != nil {
		return err
	}
	r.logger.Infof("Resolved backup mode %v", mode.Mode)

	if err := r.gateCluster(stop); err != nil {
		return err
	}
	if err := checkStop(stop); err != nil {
		return err
	}

	lifecycle := NewLifecycle(r.src, r.dst)
	switch mode.Mode {
	case types.BackupModeInitial:
		err = r.runInitial(stop, lifecycle)
	case types.BackupModeIncremental:
		err = r.runIncremental(stop, lifecycle, mode.BaseSnapshot)
	default:
		err = errors.Errorf("unknown backup mode %v", mode.Mode)
	}
	if err != nil {
		return err
	}

	r.logger.Infof("Done with %v -> %v", r.opts.Source, r.opts.Destination)
	return nil
}

func (r *Runner) gateCluster(stop <-chan struct{}) error {
	if r.gate == nil {
		return nil
	}
	if r.opts.WaitUntilHealthy || r.opts.DisableScrubbing {
		if err := r.gate.WaitForHealthy(stop); err != nil {
			return err
		}
	}
	if r.opts.DisableScrubbing {
		if err := r.gate.DisableScrubbing(); err != nil {
			return err
		}
		r.scrubbingDisabled = true
		if err := r.gate.WaitForScrubbingComplete(stop); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runInitial(stop <-chan struct{}, lifecycle *Lifecycle) error {
	marker, err := lifecycle.CreateMarker(r.opts.Source)
	if err != nil {
		return err
	}
	r.pendingMarker = marker

	info, err := r.src.GetVolumeInfo(r.opts.Source)
	if err != nil {
		return errors.Wrapf(err, "error getting info of source volume '%s'", r.opts.Source)
	}
	if err := r.dst.CreateVolume(r.opts.Destination, info.Size); err != nil {
		return err
	}

	srcDev, err := r.mapSource(marker)
	if err != nil {
		return err
	}
	dstDev := r.dst.DevicePath(r.opts.Destination)

	size, err := r.compareDeviceSize(srcDev, dstDev)
	if err != nil {
		return err
	}
	if err := checkStop(stop); err != nil {
		return err
	}

	err = r.withDevices(srcDev, dstDev, func(src, dst *os.File) error {
		_, copyErr := NewCopier(r.opts.ChunkSize, r.opts.FsyncEveryChunk, stop).CopyFull(src, dst, size)
		return copyErr
	})
	if err != nil {
		return err
	}

	if _, err := lifecycle.FinalizeDestination(r.opts.Destination); err != nil {
		return err
	}
	r.pendingMarker = ""
	return nil
}

func (r *Runner) runIncremental(stop <-chan struct{}, lifecycle *Lifecycle, baseSnapshot string) error {
	marker, err := lifecycle.CreateMarker(r.opts.Source)
	if err != nil {
		return err
	}
	r.pendingMarker = marker

	srcDev, err := r.mapSource(marker)
	if err != nil {
		return err
	}
	dstDev := r.dst.DevicePath(r.opts.Destination)

	if _, err := r.compareDeviceSize(srcDev, dstDev); err != nil {
		return err
	}

	extents, err := r.src.Diff(r.opts.Source, baseSnapshot, marker, r.opts.WholeObjectDiff)
	if err != nil {
		return err
	}
	if err := checkStop(stop); err != nil {
		return err
	}

	err = r.withDevices(srcDev, dstDev, func(src, dst *os.File) error {
		_, copyErr := NewCopier(r.opts.ChunkSize, r.opts.FsyncEveryChunk, stop).CopyDelta(src, dst, extents)
		return copyErr
	})
	if err != nil {
		return err
	}

	// Finalize before dropping the old marker: a crash between the two
	// steps then still leaves a valid base for manual recovery.
	if _, err := lifecycle.FinalizeDestination(r.opts.Destination); err != nil {
		return err
	}
	r.pendingMarker = ""
	return lifecycle.RemoveMarker(r.opts.Source, baseSnapshot)
}

func (r *Runner) mapSource(marker string) (string, error) {
	dev, err := r.src.MapReadOnly(r.opts.Source + "@" + marker)
	if err != nil {
		return "", err
	}
	r.mappedDevice = dev
	r.logger.Infof("Mapped %v@%v at %v", r.opts.Source, marker, dev)
	return dev, nil
}

func (r *Runner) compareDeviceSize(srcDev, dstDev string) (int64, error) {
	srcSize, err := r.dst.DeviceSize(srcDev)
	if err != nil {
		return 0, err
	}
	dstSize, err := r.dst.DeviceSize(dstDev)
	if err != nil {
		return 0, err
	}
	r.logger.Debugf("Source device %v is %v bytes (%v), destination device %v is %v bytes (%v)",
		srcDev, srcSize, util.SizeToHumanReadable(srcSize),
		dstDev, dstSize, util.SizeToHumanReadable(dstSize))
	if srcSize != dstSize {
		return 0, &types.SizeMismatchError{
			Source:          srcDev,
			SourceSize:      srcSize,
			Destination:     dstDev,
			DestinationSize: dstSize,
		}
	}
	return srcSize, nil
}

func (r *Runner) withDevices(srcDev, dstDev string, copyFn func(src, dst *os.File) error) error {
	src, err := os.Open(srcDev)
	if err != nil {
		return errors.Wrapf(err, "error opening source device '%s'", srcDev)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstDev, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "error opening destination device '%s'", dstDev)
	}

	if err := copyFn(src, dst); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return errors.Wrapf(err, "error closing destination device '%s'", dstDev)
	}
	return nil
}

// Cleanup releases everything the run acquired. It is idempotent and
// never fails: its own errors are logged so they cannot mask the error
// that triggered it.
func (r *Runner) Cleanup() {
	r.cleanupOnce.Do(func() {
		r.logger.Info("Cleaning up")
		if r.mappedDevice != "" {
			if err := r.src.Unmap(r.mappedDevice); err != nil {
				r.logger.WithError(err).Warnf("Failed to unmap device %v", r.mappedDevice)
			}
			r.mappedDevice = ""
		} else {
			r.logger.Info("No device mapped")
		}
		// A marker that never made it to a finalized destination does
		// not represent any replicated state, drop it so the next run
		// resolves its mode from the previous completed cycle.
		if r.pendingMarker != "" {
			if err := r.src.DeleteSnapshot(r.opts.Source, r.pendingMarker); err != nil {
				r.logger.WithError(err).Warnf("Failed to remove unfinalized marker snapshot %v", r.pendingMarker)
			}
			r.pendingMarker = ""
		}
		if r.scrubbingDisabled {
			if err := r.gate.EnableScrubbing(); err != nil {
				r.logger.WithError(err).Warn("Failed to re-enable scrubbing")
			}
			r.scrubbingDisabled = false
		}
	})
}

func checkStop(stop <-chan struct{}) error {
	if stop == nil {
		return nil
	}
	select {
	case <-stop:
		return &types.InterruptedError{}
	default:
		return nil
	}
}
