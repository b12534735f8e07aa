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

package diskset_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/truenas/fenced/disk"
	"github.com/truenas/fenced/diskset"
	"github.com/truenas/fenced/domain"
	"github.com/truenas/fenced/mocks"
)

func TestSet_AddRemoveLen(t *testing.T) {
	s := diskset.New()
	d := disk.New("sda", 1, &mocks.PRTransport{}, nil)
	s.Add(d)
	assert.Equal(t, 1, s.Len())
	s.Remove(d)
	assert.Equal(t, 0, s.Len())
}

func TestSet_RotatingSubset_UnderCap(t *testing.T) {
	s := diskset.New()
	for i := 0; i < diskset.Cap; i++ {
		tr := &mocks.PRTransport{}
		tr.On("UpdateKey", mock.Anything, mock.Anything).Return(nil)
		s.Add(disk.New(fmt.Sprintf("sd%d", i), 0xC0FFEE, tr, nil))
	}

	for i := 0; i < 3; i++ {
		failed := s.RegisterKeys(uint32(i + 1))
		assert.Empty(t, failed)
	}
}

// Scenario 5 (spec.md §8): 90 disks, CAP=30. Over 3 consecutive ticks the
// union of subsets must cover all 90 disks; no disk is skipped indefinitely.
func TestSet_RotatingSubset_CoversFleetWithinTicks(t *testing.T) {
	s := diskset.New()
	var tracked []*recordingDisk
	for i := 0; i < 90; i++ {
		d := &recordingDisk{name: fmt.Sprintf("sd%d", i)}
		tracked = append(tracked, d)
		s.Add(d)
	}

	ticks := (90 + diskset.Cap - 1) / diskset.Cap
	for i := 0; i < ticks; i++ {
		failed := s.RegisterKeys(uint32(i + 1))
		assert.Empty(t, failed)
	}

	for _, d := range tracked {
		assert.GreaterOrEqualf(t, d.registered, 1, "disk %s never rotated within %d ticks", d.name, ticks)
	}
}

func TestSet_RotatingSubset_SizeAtCapBoundary(t *testing.T) {
	s := diskset.New()
	for i := 0; i < diskset.Cap+1; i++ {
		s.Add(&recordingDisk{name: fmt.Sprintf("sd%d", i)})
	}
	failed := s.RegisterKeys(1)
	assert.Empty(t, failed)
}

// recordingDisk is a minimal domain.DiskIface that counts RegisterKey
// calls instead of talking to a transport, used to observe rotation
// coverage without mocking a transport per call.
type recordingDisk struct {
	name       string
	registered int
}

func (r *recordingDisk) Name() string    { return r.name }
func (r *recordingDisk) CurKey() *uint64 { return nil }
func (r *recordingDisk) LogInfo() any    { return nil }
func (r *recordingDisk) GetReservation() (*domain.Reservation, error) {
	return nil, nil
}
func (r *recordingDisk) GetKeys() (*uint64, map[uint64]struct{}, error) {
	return nil, nil, nil
}
func (r *recordingDisk) RegisterKey(uint32) error {
	r.registered++
	return nil
}
func (r *recordingDisk) ResetKeys(uint32) error { return nil }

func TestSet_GetKeys_AggregatesAndReportsFailures(t *testing.T) {
	s := diskset.New()

	mine := domain.RKey(0xC0FFEE, 1)
	peer := domain.RKey(0xDEADBEEF, 2)

	tr1 := &mocks.PRTransport{}
	tr1.On("ReadKeys").Return([]uint64{mine, peer}, nil)
	s.Add(disk.New("sda", 0xC0FFEE, tr1, nil))

	tr2 := &mocks.PRTransport{}
	tr2.On("ReadKeys").Return([]uint64{peer}, nil) // no host key -> failed
	s.Add(disk.New("sdb", 0xC0FFEE, tr2, nil))

	hostKeys, remoteKeys, failed := s.GetKeys()

	assert.Contains(t, hostKeys, mine)
	assert.Contains(t, remoteKeys, peer)
	assert.Len(t, failed, 1)
	assert.Equal(t, "sdb", failed[0].Name())
}

func TestSet_ResetKeys_RunsOverFullSet(t *testing.T) {
	s := diskset.New()
	for i := 0; i < 5; i++ {
		tr := &mocks.PRTransport{}
		tr.On("ReadReservation").Return(&domain.Reservation{}, nil)
		tr.On("ReadKeys").Return(nil, nil)
		tr.On("RegisterNewKey", domain.RKey(0xC0FFEE, 9)).Return(nil)
		tr.On("ReserveKey", domain.RKey(0xC0FFEE, 9)).Return(nil)
		s.Add(disk.New(fmt.Sprintf("sd%d", i), 0xC0FFEE, tr, nil))
	}

	failed := s.ResetKeys(9)
	assert.Empty(t, failed)
}

func TestSet_Clear(t *testing.T) {
	s := diskset.New()
	s.Add(disk.New("sda", 1, &mocks.PRTransport{}, nil))
	s.Clear()
	assert.Equal(t, 0, s.Len())
}
