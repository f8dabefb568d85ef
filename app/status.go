package app

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/compilenix/rbd-zfs-backup-worker/backup"
	"github.com/compilenix/rbd-zfs-backup-worker/cephapi"
	"github.com/compilenix/rbd-zfs-backup-worker/types"
	"github.com/compilenix/rbd-zfs-backup-worker/zfsapi"
)

func StatusCmd() cli.Command {
	return cli.Command{
		Name:  "status",
		Usage: "show the replication state of a volume pair without touching it",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  FlagSource + ", s",
				Usage: "the RBD volume to inspect",
			},
			cli.StringFlag{
				Name:  FlagDestination + ", dst",
				Usage: "the zvol dataset to inspect (without /dev/zvol)",
			},
			cli.StringFlag{
				Name:  FlagPool + ", p",
				Usage: "the RBD storage pool",
				Value: types.DefaultPool,
			},
		},
		Action: func(c *cli.Context) error {
			if err := showStatus(c); err != nil {
				logrus.Errorf("%v: %v", classifyFailure(err), err)
				return cli.NewExitError("", 1)
			}
			return nil
		},
	}
}

func showStatus(c *cli.Context) error {
	source := c.String(FlagSource)
	if source == "" {
		return fmt.Errorf("require --%v", FlagSource)
	}
	destination := c.String(FlagDestination)
	if destination == "" {
		return fmt.Errorf("require --%v", FlagDestination)
	}

	src := cephapi.NewClient(c.String(FlagPool))
	dst := zfsapi.NewClient()

	mode, err := backup.NewInspector(src, dst).ResolveMode(source, destination)
	if err != nil {
		return err
	}

	fmt.Printf("source:      %v/%v\n", c.String(FlagPool), source)
	fmt.Printf("destination: %v\n", destination)
	fmt.Printf("mode:        %v\n", mode.Mode)
	if mode.Mode == types.BackupModeIncremental {
		fmt.Printf("base:        %v\n", mode.BaseSnapshot)
		snapshots, err := dst.ListSnapshots(destination)
		if err != nil {
			return err
		}
		for _, name := range snapshots {
			fmt.Printf("checkpoint:  %v@%v\n", destination, name)
		}
	}
	return nil
}
