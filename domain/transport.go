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

package domain

// PRType identifies the SCSI-3 / NVMe persistent-reservation type held on
// a device. Only Write-Exclusive-Registrants-Only is used by fenced, but
// the transport surfaces whatever type it reads off the device.
type PRType int

const (
	PRTypeUnknown PRType = iota
	PRTypeWriteExclusiveRegistrantsOnly
)

// Reservation is the transport's view of a device's current PR holder.
// Key is nil when no reservation is held.
type Reservation struct {
	Key  *uint64
	Type PRType
}

// PRTransportIface is the synchronous, per-device verb interface to the
// SCSI-3 / NVMe Persistent Reservation subsystem. Every method either
// succeeds or returns a typed error; none of them block longer than a
// single ioctl round trip.
type PRTransportIface interface {
	// ReadKeys returns every key currently registered on the device.
	ReadKeys() ([]uint64, error)

	// ReadReservation returns the device's current reservation, or a
	// Reservation with a nil Key if none is held.
	ReadReservation() (*Reservation, error)

	// RegisterNewKey registers k for this I_T nexus; it is an error if a
	// key is already registered for this nexus.
	RegisterNewKey(k uint64) error

	// RegisterIgnoreKey registers k for this I_T nexus regardless of any
	// existing registration.
	RegisterIgnoreKey(k uint64) error

	// UpdateKey atomically replaces the nexus's registered key old with
	// new.
	UpdateKey(old *uint64, new uint64) error

	// ReserveKey acquires a Write-Exclusive-Registrants-Only reservation
	// using the currently registered key k.
	ReserveKey(k uint64) error

	// PreemptKey preempts the reservation held by victim, installing k.
	// Returns ErrReservationConflict if the caller is, in fact, the
	// current holder.
	PreemptKey(victim uint64, k uint64) error
}
