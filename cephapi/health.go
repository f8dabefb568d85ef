package cephapi

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/compilenix/rbd-zfs-backup-worker/util"
)

const healthPollInterval = time.Second

// WaitForHealthy polls the cluster until it is no longer in HEALTH_ERR,
// or stop is closed.
func (c *Client) WaitForHealthy(stop <-chan struct{}) error {
	for {
		output, err := util.Execute(cephBinary, "health", "detail")
		if err != nil {
			return errors.Wrap(err, "error querying cluster health")
		}
		if !strings.HasPrefix(strings.TrimSpace(output), "HEALTH_ERR") {
			return nil
		}
		c.logger.Info("Waiting for cluster to become healthy")
		select {
		case <-stop:
			return errors.New("stopped while waiting for cluster health")
		case <-time.After(healthPollInterval):
		}
	}
}

// WaitForScrubbingComplete polls the cluster status until no placement
// group reports scrubbing, or stop is closed.
func (c *Client) WaitForScrubbingComplete(stop <-chan struct{}) error {
	for {
		output, err := util.Execute(cephBinary, "status")
		if err != nil {
			return errors.Wrap(err, "error querying cluster status")
		}
		if !strings.Contains(output, "scrubbing") {
			return nil
		}
		c.logger.Info("Waiting for cluster to complete scrubbing")
		select {
		case <-stop:
			return errors.New("stopped while waiting for scrubbing to complete")
		case <-time.After(healthPollInterval):
		}
	}
}

func (c *Client) DisableScrubbing() error {
	c.logger.Info("Disabling scrubbing")
	if _, err := util.Execute(cephBinary, "osd", "set", "nodeep-scrub"); err != nil {
		return errors.Wrap(err, "error setting nodeep-scrub")
	}
	if _, err := util.Execute(cephBinary, "osd", "set", "noscrub"); err != nil {
		return errors.Wrap(err, "error setting noscrub")
	}
	return nil
}

func (c *Client) EnableScrubbing() error {
	c.logger.Info("Enabling scrubbing")
	if _, err := util.Execute(cephBinary, "osd", "unset", "nodeep-scrub"); err != nil {
		return errors.Wrap(err, "error unsetting nodeep-scrub")
	}
	if _, err := util.Execute(cephBinary, "osd", "unset", "noscrub"); err != nil {
		return errors.Wrap(err, "error unsetting noscrub")
	}
	return nil
}
