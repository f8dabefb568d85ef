// Package cephapi shells out to the rbd and ceph binaries and decodes
// their JSON output. It is the source-side tool adapter of the backup
// worker; nothing here knows about backup modes or markers.
package cephapi

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/compilenix/rbd-zfs-backup-worker/util"
)

const (
	rbdBinary  = "rbd"
	cephBinary = "ceph"

	deviceWaitTimeoutSeconds = 30
)

type Client struct {
	pool   string
	logger logrus.FieldLogger
}

func NewClient(pool string) *Client {
	return &Client{
		pool:   pool,
		logger: logrus.WithField("pool", pool),
	}
}

func (c *Client) Pool() string {
	return c.pool
}

func (c *Client) executeRbd(args ...string) (string, error) {
	args = append([]string{"-p", c.pool}, args...)
	return util.Execute(rbdBinary, args...)
}

func (c *Client) executeRbdJSON(out interface{}, args ...string) error {
	args = append([]string{"-p", c.pool, "--format", "json"}, args...)
	output, err := util.Execute(rbdBinary, args...)
	if err != nil {
		return err
	}
	return parseJSON(strings.NewReader(output), out)
}

func parseJSON(r io.Reader, out interface{}) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return errors.Wrap(err, "error parsing rbd output")
	}
	return nil
}

func (c *Client) ListVolumes() ([]string, error) {
	volumes := []string{}
	if err := c.executeRbdJSON(&volumes, "ls"); err != nil {
		return nil, errors.Wrapf(err, "error listing volumes in pool '%s'", c.pool)
	}
	return volumes, nil
}

func (c *Client) VolumeExists(volume string) (bool, error) {
	volumes, err := c.ListVolumes()
	if err != nil {
		return false, err
	}
	for _, v := range volumes {
		if v == volume {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) ListSnapshots(volume string) ([]Snapshot, error) {
	snapshots := []Snapshot{}
	if err := c.executeRbdJSON(&snapshots, "snap", "ls", volume); err != nil {
		return nil, errors.Wrapf(err, "error listing snapshots of volume '%s'", volume)
	}
	return snapshots, nil
}

func (c *Client) CreateSnapshot(volume, name string) error {
	c.logger.Infof("Creating snapshot %v@%v", volume, name)
	if _, err := c.executeRbd("snap", "create", volume+"@"+name); err != nil {
		return errors.Wrapf(err, "error creating snapshot '%s@%s'", volume, name)
	}
	return nil
}

func (c *Client) DeleteSnapshot(volume, name string) error {
	c.logger.Infof("Deleting snapshot %v@%v", volume, name)
	if _, err := c.executeRbd("snap", "rm", volume+"@"+name); err != nil {
		return errors.Wrapf(err, "error deleting snapshot '%s@%s'", volume, name)
	}
	return nil
}

func (c *Client) GetVolumeInfo(volume string) (*VolumeInfo, error) {
	info := &VolumeInfo{}
	if err := c.executeRbdJSON(info, "info", volume); err != nil {
		return nil, errors.Wrapf(err, "error getting info of volume '%s'", volume)
	}
	return info, nil
}

// MapReadOnly exposes volume@snapshot as a local nbd block device and
// returns the device path. The caller owns the mapping and must Unmap
// it, also on failure paths.
func (c *Client) MapReadOnly(spec string) (string, error) {
	c.logger.Infof("Mapping %v read-only", spec)
	output, err := c.executeRbd("nbd", "map", "--read-only", spec)
	if err != nil {
		return "", errors.Wrapf(err, "error mapping '%s'", spec)
	}
	dev := strings.TrimSpace(output)
	if dev == "" {
		return "", errors.Errorf("rbd nbd map returned no device for '%s'", spec)
	}
	if err := util.WaitForDevice(dev, deviceWaitTimeoutSeconds); err != nil {
		return "", errors.Wrapf(err, "mapped device for '%s' did not appear", spec)
	}
	return dev, nil
}

func (c *Client) Unmap(dev string) error {
	c.logger.Infof("Unmapping %v", dev)
	if _, err := util.Execute(rbdBinary, "nbd", "unmap", dev); err != nil {
		return errors.Wrapf(err, "error unmapping '%s'", dev)
	}
	return nil
}

// Diff lists the byte ranges that changed between fromSnap and toSnap.
// With wholeObject the diff granularity is a whole backing object,
// which is much faster to compute but may over-report.
func (c *Client) Diff(volume, fromSnap, toSnap string, wholeObject bool) ([]Extent, error) {
	args := []string{"diff"}
	if wholeObject {
		args = append(args, "--whole-object")
	}
	args = append(args, volume, "--from-snap", fromSnap, "--snap", toSnap)

	extents := []Extent{}
	if err := c.executeRbdJSON(&extents, args...); err != nil {
		return nil, errors.Wrapf(err, "error diffing volume '%s' between '%s' and '%s'", volume, fromSnap, toSnap)
	}
	return extents, nil
}
