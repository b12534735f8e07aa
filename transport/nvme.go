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

package transport

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/truenas/fenced/domain"
)

// NVMe Reservation opcodes (NVMe base spec §5.21-5.24).
const (
	nvmeCmdResvRegister = 0x0d
	nvmeCmdResvReport   = 0x0e
	nvmeCmdResvAcquire  = 0x11
	nvmeCmdResvRelease  = 0x15

	// Reservation Register CDW10 register actions.
	nvmeRegisterActionRegister = 0x0
	nvmeRegisterActionReplace  = 0x1

	// CDW10 "change key" / "ignore existing key" control bits.
	nvmeRegCPTPL = 0x00
	nvmeRegIEKEY = 1 << 3

	// Reservation Acquire CDW10 actions.
	nvmeAcquireActionAcquire = 0x0
	nvmeAcquireActionPreempt = 0x1

	nvmeRTypeWriteExclusiveRegistrantsOnly = 0x05

	// nvmeAdminCmdIoctl is NVME_IOCTL_ADMIN_CMD from <linux/nvme_ioctl.h>.
	nvmeAdminCmdIoctl = 0xc0484e41

	// nvmeResvConflict is the NVMe status code for "Reservation Conflict".
	nvmeResvConflict = 0x18
)

// nvmePassthruCmd mirrors struct nvme_passthru_cmd from <linux/nvme_ioctl.h>.
type nvmePassthruCmd struct {
	opcode      uint8
	flags       uint8
	rsvd1       uint16
	nsid        uint32
	cdw2        uint32
	cdw3        uint32
	metadata    uint64
	addr        uint64
	metadataLen uint32
	dataLen     uint32
	cdw10       uint32
	cdw11       uint32
	cdw12       uint32
	cdw13       uint32
	cdw14       uint32
	cdw15       uint32
	timeoutMs   uint32
	result      uint32
}

// NVMe implements domain.PRTransportIface over an NVMe namespace using
// admin passthrough Reservation Register/Report/Acquire commands.
type NVMe struct {
	path string
	nsid uint32
	fd   *os.File
}

// NewNVMe opens the namespace device node at /dev/<name>, e.g. nvme0n1.
func NewNVMe(name string) (*NVMe, error) {
	f, err := os.OpenFile("/dev/"+name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &NVMe{path: name, fd: f, nsid: 1}, nil
}

func (n *NVMe) Close() error { return n.fd.Close() }

func (n *NVMe) admin(cmd *nvmePassthruCmd) error {
	cmd.nsid = n.nsid
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		n.fd.Fd(),
		uintptr(nvmeAdminCmdIoctl),
		uintptr(unsafe.Pointer(cmd)),
	)
	if errno != 0 {
		return errno
	}
	if cmd.result&0xff == nvmeResvConflict {
		return domain.ErrReservationConflict
	}
	return nil
}

func (n *NVMe) ReadKeys() ([]uint64, error) {
	data := make([]byte, 4096)
	cmd := nvmePassthruCmd{
		opcode:  nvmeCmdResvReport,
		addr:    uint64(uintptr(unsafe.Pointer(&data[0]))),
		dataLen: uint32(len(data)),
		cdw10:   uint32(len(data)/4 - 1),
	}
	if err := n.admin(&cmd); err != nil {
		return nil, err
	}
	return parseResvReport(data), nil
}

func (n *NVMe) ReadReservation() (*domain.Reservation, error) {
	data := make([]byte, 4096)
	cmd := nvmePassthruCmd{
		opcode:  nvmeCmdResvReport,
		addr:    uint64(uintptr(unsafe.Pointer(&data[0]))),
		dataLen: uint32(len(data)),
		cdw10:   uint32(len(data)/4 - 1),
	}
	if err := n.admin(&cmd); err != nil {
		return nil, err
	}
	return parseResvHolder(data), nil
}

func (n *NVMe) RegisterNewKey(k uint64) error {
	return n.register(nvmeRegisterActionRegister, 0, k)
}

func (n *NVMe) RegisterIgnoreKey(k uint64) error {
	return n.register(nvmeRegisterActionRegister|nvmeRegIEKEY, 0, k)
}

func (n *NVMe) UpdateKey(old *uint64, new uint64) error {
	var oldKey uint64
	if old != nil {
		oldKey = *old
	}
	return n.register(nvmeRegisterActionReplace, oldKey, new)
}

func (n *NVMe) ReserveKey(k uint64) error {
	return n.acquire(nvmeAcquireActionAcquire, k, 0)
}

func (n *NVMe) PreemptKey(victim uint64, k uint64) error {
	return n.acquire(nvmeAcquireActionPreempt, k, victim)
}

func (n *NVMe) register(action uint32, crkey, nrkey uint64) error {
	data := make([]byte, 16)
	putBE64(data[0:8], crkey)
	putBE64(data[8:16], nrkey)
	cmd := nvmePassthruCmd{
		opcode:  nvmeCmdResvRegister,
		addr:    uint64(uintptr(unsafe.Pointer(&data[0]))),
		dataLen: uint32(len(data)),
		cdw10:   action | nvmeRegCPTPL,
	}
	return n.admin(&cmd)
}

func (n *NVMe) acquire(action uint32, crkey, prkey uint64) error {
	data := make([]byte, 16)
	putBE64(data[0:8], crkey)
	putBE64(data[8:16], prkey)
	cmd := nvmePassthruCmd{
		opcode:  nvmeCmdResvAcquire,
		addr:    uint64(uintptr(unsafe.Pointer(&data[0]))),
		dataLen: uint32(len(data)),
		cdw10:   action | nvmeRTypeWriteExclusiveRegistrantsOnly<<8,
	}
	return n.admin(&cmd)
}

// parseResvReport decodes an NVMe Reservation Report data structure
// (NVMe base spec fig. 143): a 24-byte header followed by 24-byte (or
// 64-byte extended) registration controller data structures.
func parseResvReport(data []byte) []uint64 {
	if len(data) < 24 {
		return nil
	}
	numRegs := int(le16(data[5:7])) + 1
	keys := make([]uint64, 0, numRegs)
	for i := 0; i < numRegs; i++ {
		off := 24 + i*24
		if off+8 > len(data) {
			break
		}
		keys = append(keys, le64(data[off:off+8]))
	}
	return keys
}

func parseResvHolder(data []byte) *domain.Reservation {
	if len(data) < 24 {
		return &domain.Reservation{}
	}
	rtype := data[4]
	if rtype == 0 {
		// Reservation type 0: no reservation is held.
		return &domain.Reservation{}
	}
	numRegs := int(le16(data[5:7])) + 1
	if numRegs == 0 {
		return &domain.Reservation{}
	}
	off := 24
	if off+8 > len(data) {
		return &domain.Reservation{}
	}
	key := le64(data[off : off+8])
	prType := domain.PRTypeUnknown
	if rtype == nvmeRTypeWriteExclusiveRegistrantsOnly {
		prType = domain.PRTypeWriteExclusiveRegistrantsOnly
	}
	return &domain.Reservation{Key: &key, Type: prType}
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

var _ domain.PRTransportIface = (*NVMe)(nil)
