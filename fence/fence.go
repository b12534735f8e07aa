//
// Copyright The Fenced Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package fence implements the Fence Controller: host-ID derivation, the
// init phase (peer-liveness probe, initial reservation), and the
// steady-state key-rotation loop that watches for peer preemption.
package fence

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/truenas/fenced/disk"
	"github.com/truenas/fenced/diskset"
	"github.com/truenas/fenced/domain"
	"github.com/truenas/fenced/enumerate"
	"github.com/truenas/fenced/sysio"
)

// HostIDPath is the default machine-identifier file, matching the
// original's ID_FILE.
const HostIDPath = "/etc/machine-id"

// readKeysRetries bounds the get_keys attempts per disk during init (one
// try plus one retry): some SSD
// firmware spuriously errors the first PR-IN after a power cycle but
// succeeds immediately on retry.
const readKeysRetries = 2

// initFailureThresholdPercent is the tolerated reset_keys failure rate
// during init, expressed the same way the original computes it:
// int((failed/total)*100) > 10.
const initFailureThresholdPercent = 10

// NewTransportFunc opens the PR transport for a disk name.
type NewTransportFunc func(name string) (domain.PRTransportIface, error)

// Config holds the operator-facing knobs, matching the CLI surface.
type Config struct {
	HostIDPath   string
	Interval     time.Duration
	ExcludeDisks []string
	UseZpools    bool
}

// Controller is the Fence Controller: it owns the Disk Set and the
// reload flag, and drives init/loop.
type Controller struct {
	cfg          Config
	fs           afero.Fs
	enumerator   *enumerate.SysBlock
	newTransport NewTransportFunc

	disks  *diskset.Set
	hostID domain.HostID

	// reload is set only by the signal handler and read only at the top
	// of each loop tick; a relaxed atomic flag is sufficient (§5).
	reload atomic.Bool

	sleep func(time.Duration)
	now   func() time.Time
}

// New constructs a Controller. fs backs both host-ID derivation and disk
// enumeration; newTransport opens the PR transport for a disk name
// (transport.Open in production, a mock factory in tests).
func New(cfg Config, fs afero.Fs, enumerator *enumerate.SysBlock, newTransport NewTransportFunc) *Controller {
	if cfg.HostIDPath == "" {
		cfg.HostIDPath = HostIDPath
	}
	return &Controller{
		cfg:          cfg,
		fs:           fs,
		enumerator:   enumerator,
		newTransport: newTransport,
		disks:        diskset.New(),
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// SetClock overrides the sleep and now functions, for tests that need to
// avoid real wall-clock delays or pin the init counter seed.
func (c *Controller) SetClock(sleep func(time.Duration), now func() time.Time) {
	c.sleep = sleep
	c.now = now
}

// HostID returns the derived host ID. Valid only after a successful Init.
func (c *Controller) HostID() domain.HostID { return c.hostID }

// Disks exposes the underlying Disk Set, e.g. for SIGUSR1 diagnostics.
func (c *Controller) Disks() *diskset.Set { return c.disks }

// RequestReload marks the controller for a full re-init at the next loop
// tick. Called from the SIGHUP handler; must not allocate or block.
func (c *Controller) RequestReload() { c.reload.Store(true) }

// Init derives the host ID, enumerates and registers disks, optionally
// waits to confirm no peer is live, and establishes the initial
// reservation. It returns the seed counter for Loop.
func (c *Controller) Init(force bool) (uint32, error) {
	hostID, err := sysio.HostID(c.fs, c.cfg.HostIDPath)
	if err != nil {
		logrus.WithError(err).Error("failed to derive host id")
		return 0, err
	}
	c.hostID = domain.HostID(hostID)
	logrus.Infof("Host ID: 0x%x", c.hostID)

	remoteKeys0, err := c.loadDisks()
	if err != nil {
		return 0, err
	}
	if c.disks.Len() == 0 {
		logrus.Error("No disks available, exiting")
		return 0, domain.ErrNoDisksRegistered
	}

	if !force {
		wait := 2*c.cfg.Interval + time.Second
		logrus.Infof("Waiting %s to verify the reservation keys do not change", wait)
		c.sleep(wait)

		_, remoteKeys1, _ := c.disks.GetKeys()
		if !isSubset(remoteKeys1, remoteKeys0) {
			logrus.Error("Reservation keys have changed, a peer is live")
			return 0, &domain.PeerLivenessError{}
		}
		logrus.Info("Reservation keys unchanged")
	}

	counter := uint32(c.now().Unix() & 0xFFFFFFFF)
	failed := c.disks.ResetKeys(counter)
	if len(failed) > 0 {
		rate := len(failed) * 100 / c.disks.Len()
		if rate > initFailureThresholdPercent {
			logrus.Errorf("Failed to reset reservations on %d%% of the disks, exiting", rate)
			return 0, &domain.InitReservationError{FailedPercent: rate, Total: c.disks.Len()}
		}
		for _, d := range failed {
			c.disks.Remove(d)
		}
	}

	logrus.Infof("Persistent reservation set on %d disks", c.disks.Len())
	return counter, nil
}

// loadDisks enumerates eligible disks, builds a disk.Disk over each with
// its transport, and performs the initial get_keys (with one retry).
// Disks that fail both tries are dropped. It returns the union of every
// remote key observed.
func (c *Controller) loadDisks() (map[uint64]struct{}, error) {
	c.disks.Clear()

	candidates, err := c.enumerator.Enumerate(c.cfg.ExcludeDisks, c.cfg.UseZpools)
	if err != nil {
		return nil, err
	}

	remoteKeys := make(map[uint64]struct{})
	var unsupported []string

	for name, info := range candidates {
		tr, err := c.newTransport(name)
		if err != nil {
			logrus.WithError(err).Warnf("failed to open transport for %s", name)
			unsupported = append(unsupported, name)
			continue
		}

		d := disk.New(name, c.hostID, tr, info)

		var ok bool
		for attempt := 0; attempt < readKeysRetries; attempt++ {
			_, remote, err := d.GetKeys()
			if err == nil {
				for k := range remote {
					remoteKeys[k] = struct{}{}
				}
				ok = true
				break
			}
			logrus.Warnf("retrying get_keys for disk %s", name)
		}
		if !ok {
			unsupported = append(unsupported, name)
			continue
		}

		c.disks.Add(d)
	}

	if len(unsupported) > 0 {
		logrus.Warnf("Disks without support for SCSI-3 PR: %v", unsupported)
	}

	return remoteKeys, nil
}

// Loop runs the steady-state rotation tick until ctx is cancelled or a
// terminal condition occurs: re-init failure, or a peer-owned reservation
// discovered during failure handling (returned as *domain.PanicCondition).
func (c *Controller) Loop(ctx context.Context, counter uint32) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.reload.Load() {
			logrus.Info("SIGHUP received, reloading")
			newCounter, err := c.Init(true)
			if err != nil {
				return err
			}
			counter = newCounter
			c.reload.Store(false)
			continue
		}

		counter = domain.NextCounter(counter)
		logrus.Debugf("Setting new key: 0x%x", counter)

		failed := c.disks.RegisterKeys(counter)
		for _, d := range failed {
			resv, err := d.GetReservation()
			if err != nil {
				c.disks.Remove(d)
				continue
			}
			if resv != nil && resv.Key != nil && domain.KeyHostID(*resv.Key) != c.hostID {
				return &domain.PanicCondition{
					Disk:   d.Name(),
					Reason: "reservation held by a different host id",
				}
			}

			logrus.Warnf("trying to reset reservation for %s", d.Name())
			if err := d.ResetKeys(counter); err != nil {
				c.disks.Remove(d)
			}
		}

		c.sleep(c.cfg.Interval)
	}
}

func isSubset(sub, super map[uint64]struct{}) bool {
	for k := range sub {
		if _, ok := super[k]; !ok {
			return false
		}
	}
	return true
}
