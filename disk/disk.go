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

// Package disk implements the per-disk Persistent Reservation state
// machine: get_keys, register_key, reset_keys, get_reservation.
package disk

import (
	"github.com/sirupsen/logrus"

	"github.com/truenas/fenced/domain"
)

// Disk is one block device's PR state. It is not safe for concurrent use
// by more than one goroutine at a time; the batch executor guarantees that
// no two workers ever address the same Disk within the same round.
type Disk struct {
	name      string
	hostID    domain.HostID
	transport domain.PRTransportIface
	curKey    *uint64
	logInfo   any
}

// New constructs a Disk over the given transport, owned by hostID. logInfo
// is opaque troubleshooting metadata surfaced verbatim on SIGUSR1.
func New(name string, hostID domain.HostID, transport domain.PRTransportIface, logInfo any) *Disk {
	return &Disk{name: name, hostID: hostID, transport: transport, logInfo: logInfo}
}

func (d *Disk) Name() string    { return d.name }
func (d *Disk) CurKey() *uint64 { return d.curKey }
func (d *Disk) LogInfo() any    { return d.logInfo }

// GetKeys reads every registered key and partitions it by host ownership.
// If more than one host key is present on the disk, any one of them is
// returned; which one is unspecified. The remote set is the union of every
// non-host key.
func (d *Disk) GetKeys() (*uint64, map[uint64]struct{}, error) {
	keys, err := d.transport.ReadKeys()
	if err != nil {
		return nil, nil, &domain.TransportError{Disk: d.name, Op: "read_keys", Err: err}
	}

	var hostKey *uint64
	remote := make(map[uint64]struct{})
	for _, k := range keys {
		if domain.KeyHostID(k) == d.hostID {
			kk := k
			hostKey = &kk
		} else {
			remote[k] = struct{}{}
		}
	}
	return hostKey, remote, nil
}

// GetReservation reads the disk's current reservation record.
func (d *Disk) GetReservation() (*domain.Reservation, error) {
	resv, err := d.transport.ReadReservation()
	if err != nil {
		return nil, &domain.TransportError{Disk: d.name, Op: "read_reservation", Err: err}
	}
	return resv, nil
}

// RegisterKey is the steady-state hot path: atomically replace curKey with
// hostid<<32|counter. It is the only PR verb issued per disk per tick.
func (d *Disk) RegisterKey(counter uint32) error {
	newKey := domain.RKey(d.hostID, counter)
	if err := d.transport.UpdateKey(d.curKey, newKey); err != nil {
		return &domain.TransportError{Disk: d.name, Op: "update_key", Err: err}
	}
	d.curKey = &newKey
	return nil
}

// ResetKeys is the recovery/init path. It converges the disk to a
// Write-Exclusive-Registrants-Only reservation held by hostid<<32|counter
// regardless of the disk's starting state: empty, registered-but-unreserved,
// reserved by us, or reserved by a peer.
func (d *Disk) ResetKeys(counter uint32) error {
	newKey := domain.RKey(d.hostID, counter)

	resv, err := d.transport.ReadReservation()
	if err != nil {
		return &domain.TransportError{Disk: d.name, Op: "read_reservation", Err: err}
	}

	switch {
	case resv != nil && resv.Key != nil && domain.KeyHostID(*resv.Key) != d.hostID:
		// Reservation isn't ours (by the on-disk host bits): register the
		// new key and preempt the existing holder.
		if err := d.transport.RegisterIgnoreKey(newKey); err != nil {
			return &domain.TransportError{Disk: d.name, Op: "register_ignore_key", Err: err}
		}
		if err := d.transport.PreemptKey(*resv.Key, newKey); err != nil {
			if err == domain.ErrReservationConflict {
				// The "held" key was in fact ours: this host is the
				// current reservation holder, and preempting against
				// yourself always reports a conflict. Fall back to a
				// plain reserve. This compensates for classifying
				// ownership from the key's host bits alone instead of a
				// READ FULL STATUS query; see domain.ErrReservationConflict.
				if err := d.transport.ReserveKey(newKey); err != nil {
					return &domain.TransportError{Disk: d.name, Op: "reserve_key", Err: err}
				}
			} else {
				return &domain.TransportError{Disk: d.name, Op: "preempt_key", Err: err}
			}
		}

	case resv != nil && resv.Key != nil:
		// Reservation is ours: update it in place.
		if err := d.transport.UpdateKey(resv.Key, newKey); err != nil {
			return &domain.TransportError{Disk: d.name, Op: "update_key", Err: err}
		}

	default:
		keys, err := d.transport.ReadKeys()
		if err != nil {
			return &domain.TransportError{Disk: d.name, Op: "read_keys", Err: err}
		}
		if len(keys) == 0 {
			if err := d.transport.RegisterNewKey(newKey); err != nil {
				return &domain.TransportError{Disk: d.name, Op: "register_new_key", Err: err}
			}
		} else {
			if err := d.transport.RegisterIgnoreKey(newKey); err != nil {
				return &domain.TransportError{Disk: d.name, Op: "register_ignore_key", Err: err}
			}
		}
		if err := d.transport.ReserveKey(newKey); err != nil {
			return &domain.TransportError{Disk: d.name, Op: "reserve_key", Err: err}
		}
	}

	d.curKey = &newKey
	logrus.Debugf("disk %s: reservation converged to key 0x%016x", d.name, newKey)
	return nil
}

var _ domain.DiskIface = (*Disk)(nil)
