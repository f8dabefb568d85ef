// Package zfsapi shells out to the zfs binary and inspects zvol block
// device nodes. It is the destination-side tool adapter of the backup
// worker.
package zfsapi

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/compilenix/rbd-zfs-backup-worker/types"
	"github.com/compilenix/rbd-zfs-backup-worker/util"
)

const (
	zfsBinary = "zfs"

	deviceWaitTimeoutSeconds = 30
)

type Client struct {
	deviceRoot string
	logger     logrus.FieldLogger
}

func NewClient() *Client {
	return &Client{
		deviceRoot: types.ZvolDeviceRoot,
		logger:     logrus.WithField("component", "zfs"),
	}
}

// DevicePath returns the block device node for a zvol dataset, e.g.
// "backup_pool_1/backup_test" -> "/dev/zvol/backup_pool_1/backup_test".
func (c *Client) DevicePath(dataset string) string {
	return filepath.Join(c.deviceRoot, dataset)
}

// VolumeExists reports whether the dataset's device node exists and is
// block-special. A plain file or directory at the path does not count.
func (c *Client) VolumeExists(dataset string) (bool, error) {
	path := c.DevicePath(dataset)
	c.logger.Debugf("Checking existence of zvol device %v", path)
	st := unix.Stat_t{}
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, errors.Wrapf(err, "error checking zvol device '%s'", path)
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}

func (c *Client) CreateVolume(dataset string, size int64) error {
	c.logger.Infof("Creating zvol %v with size %v (%v)", dataset, size, util.SizeToHumanReadable(size))
	if _, err := util.Execute(zfsBinary, "create", "-V"+strconv.FormatInt(size, 10), dataset); err != nil {
		return errors.Wrapf(err, "error creating zvol '%s'", dataset)
	}
	// the device node shows up asynchronously after create
	if err := util.WaitForDevice(c.DevicePath(dataset), deviceWaitTimeoutSeconds); err != nil {
		return errors.Wrapf(err, "device node for zvol '%s' did not appear", dataset)
	}
	return nil
}

func (c *Client) CreateSnapshot(dataset, name string) error {
	c.logger.Infof("Creating zfs snapshot %v@%v", dataset, name)
	if _, err := util.Execute(zfsBinary, "snapshot", dataset+"@"+name); err != nil {
		return errors.Wrapf(err, "error creating zfs snapshot '%s@%s'", dataset, name)
	}
	return nil
}

// ListSnapshots returns the snapshot names (without the dataset@ part)
// of a dataset, in zfs list order.
func (c *Client) ListSnapshots(dataset string) ([]string, error) {
	output, err := util.Execute(zfsBinary, "list", "-H", "-t", "snapshot", "-o", "name", "-d", "1", dataset)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing snapshots of dataset '%s'", dataset)
	}
	return parseSnapshotList(dataset, output), nil
}

func parseSnapshotList(dataset, output string) []string {
	names := []string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, dataset+"@") {
			continue
		}
		names = append(names, strings.TrimPrefix(line, dataset+"@"))
	}
	return names
}

// DeviceSize returns the byte size of a block device node.
func (c *Client) DeviceSize(dev string) (int64, error) {
	f, err := os.Open(dev)
	if err != nil {
		return 0, errors.Wrapf(err, "error opening device '%s'", dev)
	}
	defer f.Close()

	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, errors.Wrapf(err, "error getting size of device '%s'", dev)
	}
	return int64(size), nil
}
