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

// Package transport implements domain.PRTransportIface against real SCSI-3
// and NVMe devices. Both issue the PR-IN/PR-OUT (SCSI) or Reservation
// Report/Acquire/Register (NVMe) command set via a raw ioctl, kept
// thin: these shims exist to give the rest of the daemon a real collaborator
// to compile and dispatch against, not to be a complete SG_IO/NVMe-admin
// driver. mocks.PRTransport backs every test that exercises the PR state
// machine above this layer.
package transport

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/truenas/fenced/domain"
)

// SCSI opcodes used for Persistent Reservations (SPC-3/4 §6.13/6.14).
const (
	scsiPersistentReserveIn  = 0x5e
	scsiPersistentReserveOut = 0x5f

	// PR-IN service actions.
	prInReadKeys        = 0x00
	prInReadReservation = 0x01

	// PR-OUT service actions.
	prOutRegister       = 0x00
	prOutReserve        = 0x01
	prOutPreempt        = 0x03
	prOutRegisterIgnore = 0x06

	prTypeWriteExclusiveRegistrantsOnly = 0x07

	// scsiGenericIoctl is SG_IO from <scsi/sg.h>, the generic SCSI pass-through.
	scsiGenericIoctl = 0x2285
)

// sgIOHdr mirrors struct sg_io_hdr from <scsi/sg.h>, trimmed to the fields
// this transport populates.
type sgIOHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

const (
	sgDxferNone     = -1
	sgDxferToDev    = -2
	sgDxferFromDev  = -3
	sgInterfaceID   = 'S'
	sgIOTimeoutMsec = 20000
)

// scsiReservationConflict is the SCSI status code (0x18) returned in
// sgIOHdr.status when a command targets a reservation the caller does not
// hold.
const scsiReservationConflict = 0x18

// SCSI implements domain.PRTransportIface over a SCSI-3 disk using SG_IO
// pass-through PERSISTENT RESERVE IN/OUT commands.
type SCSI struct {
	path string
	fd   *os.File
}

// NewSCSI opens the device node at /dev/<name> for PR ioctls.
func NewSCSI(name string) (*SCSI, error) {
	f, err := os.OpenFile("/dev/"+name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &SCSI{path: name, fd: f}, nil
}

func (s *SCSI) Close() error { return s.fd.Close() }

func (s *SCSI) sgIoctl(cdb []byte, data []byte, dxferDirection int32) error {
	var sense [32]byte
	hdr := sgIOHdr{
		interfaceID:    sgInterfaceID,
		dxferDirection: dxferDirection,
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        uint8(len(sense)),
		dxferLen:       uint32(len(data)),
		timeout:        sgIOTimeoutMsec,
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&sense[0])),
	}
	if len(data) > 0 {
		hdr.dxferp = uintptr(unsafe.Pointer(&data[0]))
	}

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		s.fd.Fd(),
		uintptr(scsiGenericIoctl),
		uintptr(unsafe.Pointer(&hdr)),
	)
	if errno != 0 {
		return errno
	}
	if hdr.maskedStatus == scsiReservationConflict || hdr.status == scsiReservationConflict {
		return domain.ErrReservationConflict
	}
	if hdr.hostStatus != 0 || hdr.driverStatus != 0 {
		return fmt.Errorf("sg_io: host_status=0x%x driver_status=0x%x", hdr.hostStatus, hdr.driverStatus)
	}
	return nil
}

func (s *SCSI) ReadKeys() ([]uint64, error) {
	cdb := make([]byte, 10)
	cdb[0] = scsiPersistentReserveIn
	cdb[1] = prInReadKeys
	data := make([]byte, 4096)
	if err := s.sgIoctl(cdb, data, sgDxferFromDev); err != nil {
		return nil, err
	}
	return parseReadKeys(data), nil
}

func (s *SCSI) ReadReservation() (*domain.Reservation, error) {
	cdb := make([]byte, 10)
	cdb[0] = scsiPersistentReserveIn
	cdb[1] = prInReadReservation
	data := make([]byte, 4096)
	if err := s.sgIoctl(cdb, data, sgDxferFromDev); err != nil {
		return nil, err
	}
	return parseReadReservation(data), nil
}

func (s *SCSI) RegisterNewKey(k uint64) error {
	return s.prOut(prOutRegister, 0, k, 0)
}

func (s *SCSI) RegisterIgnoreKey(k uint64) error {
	return s.prOut(prOutRegisterIgnore, 0, k, 0)
}

func (s *SCSI) UpdateKey(old *uint64, new uint64) error {
	var oldKey uint64
	if old != nil {
		oldKey = *old
	}
	return s.prOut(prOutRegister, oldKey, new, 0)
}

func (s *SCSI) ReserveKey(k uint64) error {
	return s.prOut(prOutReserve, k, 0, prTypeWriteExclusiveRegistrantsOnly)
}

func (s *SCSI) PreemptKey(victim uint64, k uint64) error {
	return s.prOut(prOutPreempt, k, victim, prTypeWriteExclusiveRegistrantsOnly)
}

// prOut builds and issues a PERSISTENT RESERVE OUT parameter list (SPC-3
// table 87) for the given service action.
func (s *SCSI) prOut(serviceAction byte, reservationKey, serviceActionKey uint64, prType byte) error {
	cdb := make([]byte, 10)
	cdb[0] = scsiPersistentReserveOut
	cdb[1] = serviceAction
	cdb[2] = prType

	params := make([]byte, 24)
	putBE64(params[0:8], reservationKey)
	putBE64(params[8:16], serviceActionKey)

	return s.sgIoctl(cdb, params, sgDxferToDev)
}

func putBE64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getBE64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// parseReadKeys decodes a PR-IN READ KEYS parameter data block (SPC-3
// table 84): an 8-byte header (generation + additional length) followed by
// 8-byte keys.
func parseReadKeys(data []byte) []uint64 {
	if len(data) < 8 {
		return nil
	}
	addLen := be32(data[4:8])
	n := int(addLen) / 8
	keys := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		off := 8 + i*8
		if off+8 > len(data) {
			break
		}
		keys = append(keys, getBE64(data[off:off+8]))
	}
	return keys
}

// parseReadReservation decodes a PR-IN READ RESERVATION parameter data
// block (SPC-3 table 85).
func parseReadReservation(data []byte) *domain.Reservation {
	if len(data) < 8 {
		return &domain.Reservation{}
	}
	addLen := be32(data[4:8])
	if addLen == 0 {
		return &domain.Reservation{}
	}
	key := getBE64(data[8:16])
	prType := domain.PRTypeUnknown
	if len(data) > 21 && data[21]&0x0f == prTypeWriteExclusiveRegistrantsOnly {
		prType = domain.PRTypeWriteExclusiveRegistrantsOnly
	}
	return &domain.Reservation{Key: &key, Type: prType}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

var _ domain.PRTransportIface = (*SCSI)(nil)
