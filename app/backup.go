package app

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/compilenix/rbd-zfs-backup-worker/backup"
	"github.com/compilenix/rbd-zfs-backup-worker/cephapi"
	"github.com/compilenix/rbd-zfs-backup-worker/types"
	"github.com/compilenix/rbd-zfs-backup-worker/util"
	"github.com/compilenix/rbd-zfs-backup-worker/zfsapi"
)

var VERSION = "dev"

const (
	FlagSource           = "source"
	FlagDestination      = "destination"
	FlagPool             = "pool"
	FlagFsync            = "fsync"
	FlagWholeObject      = "whole-object"
	FlagWaitUntilHealthy = "wait-until-healthy"
	FlagNoScrubbing      = "no-scrubbing"

	// exit status for operator-requested termination, distinguishable
	// from ordinary failures
	interruptedExitCode = 130
)

func BackupCmd() cli.Command {
	return cli.Command{
		Name:  "backup",
		Usage: "replicate one RBD volume into a ZFS zvol",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  FlagSource + ", s",
				Usage: "the RBD volume to back up",
			},
			cli.StringFlag{
				Name:  FlagDestination + ", dst",
				Usage: "the zvol dataset to write into (without /dev/zvol)",
			},
			cli.StringFlag{
				Name:  FlagPool + ", p",
				Usage: "the RBD storage pool",
				Value: types.DefaultPool,
			},
			cli.BoolFlag{
				Name:  FlagFsync,
				Usage: "flush the destination device after every chunk",
			},
			cli.BoolTFlag{
				Name:  FlagWholeObject,
				Usage: "diff at whole-object granularity; much faster, may enlarge the delta",
			},
			cli.BoolTFlag{
				Name:  FlagWaitUntilHealthy,
				Usage: "wait until the cluster leaves HEALTH_ERR before starting",
			},
			cli.BoolFlag{
				Name:  FlagNoScrubbing,
				Usage: "suspend scrubbing for the run's duration (implies --" + FlagWaitUntilHealthy + ")",
			},
		},
		Action: func(c *cli.Context) error {
			if err := runBackup(c); err != nil {
				logrus.Errorf("%v: %v", classifyFailure(err), err)
				if types.IsInterrupted(err) {
					return cli.NewExitError("", interruptedExitCode)
				}
				return cli.NewExitError("", 1)
			}
			return nil
		},
	}
}

func runBackup(c *cli.Context) error {
	source := c.String(FlagSource)
	if source == "" {
		return errors.Errorf("require --%v", FlagSource)
	}
	destination := c.String(FlagDestination)
	if destination == "" {
		return errors.Errorf("require --%v", FlagDestination)
	}

	opts := backup.Options{
		Source:           source,
		Destination:      destination,
		FsyncEveryChunk:  c.Bool(FlagFsync),
		WholeObjectDiff:  c.BoolT(FlagWholeObject),
		WaitUntilHealthy: c.BoolT(FlagWaitUntilHealthy),
		DisableScrubbing: c.Bool(FlagNoScrubbing),
	}

	done := make(chan struct{})
	util.RegisterShutdownChannel(done)

	src := cephapi.NewClient(c.String(FlagPool))
	dst := zfsapi.NewClient()
	return backup.NewRunner(src, dst, src, opts).Run(done)
}

// classifyFailure renders the single-line failure category of the exit
// message.
func classifyFailure(err error) string {
	switch {
	case types.IsNotFound(err):
		return "not found"
	case types.IsConsistencyError(err):
		return "inconsistent state"
	case types.IsSizeMismatch(err):
		return "size mismatch"
	case types.IsInterrupted(err):
		return "interrupted"
	case types.IsToolExecution(err):
		return "tool execution error"
	default:
		return "unexpected error (probably a bug)"
	}
}
