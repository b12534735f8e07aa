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

package fence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/truenas/fenced/domain"
	"github.com/truenas/fenced/enumerate"
	"github.com/truenas/fenced/fence"
	"github.com/truenas/fenced/mocks"
)

func setupFS(names ...string) afero.Fs {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/etc/machine-id", []byte("c0ffee0100000000"), 0644)
	for _, n := range names {
		afero.WriteFile(fs, "/sys/block/"+n+"/dev", []byte("8:0"), 0644)
	}
	return fs
}

func emptyTransport() *mocks.PRTransport {
	tr := &mocks.PRTransport{}
	tr.On("ReadKeys").Return([]uint64(nil), nil)
	tr.On("ReadReservation").Return(&domain.Reservation{}, nil)
	tr.On("RegisterNewKey", mock.Anything).Return(nil)
	tr.On("ReserveKey", mock.Anything).Return(nil)
	tr.On("UpdateKey", mock.Anything, mock.Anything).Return(nil)
	return tr
}

// Scenario 1 (spec.md §8): clean single-controller startup with --force.
func TestInit_CleanStartupWithForce(t *testing.T) {
	fs := setupFS("sda", "sdb", "sdc")
	cfg := fence.Config{Interval: 5 * time.Second}
	e := enumerate.New(fs, nil)

	c := fence.New(cfg, fs, e, func(name string) (domain.PRTransportIface, error) {
		return emptyTransport(), nil
	})
	c.SetClock(func(time.Duration) {}, func() time.Time { return time.Unix(0xA, 0) })

	counter, err := c.Init(true)

	assert.NoError(t, err)
	assert.Equal(t, uint32(0xA), counter)
	assert.Equal(t, 3, c.Disks().Len())
	assert.Equal(t, domain.HostID(0xc0ffee01), c.HostID())
}

func TestInit_NoDisksIsRegisterError(t *testing.T) {
	fs := setupFS("sda")
	e := enumerate.New(fs, nil)

	// The only enumerated disk fails get_keys on both tries, so no disk
	// is left to fence.
	c := fence.New(fence.Config{Interval: 5 * time.Second}, fs, e, func(name string) (domain.PRTransportIface, error) {
		tr := &mocks.PRTransport{}
		tr.On("ReadKeys").Return(nil, fmt.Errorf("ioctl failed"))
		return tr, nil
	})

	_, err := c.Init(true)
	assert.ErrorIs(t, err, domain.ErrNoDisksRegistered)
}

// Scenario 2 (spec.md §8): peer-liveness abort when remote keys grow.
func TestInit_PeerLivenessAbort(t *testing.T) {
	fs := setupFS("sda", "sdb")
	e := enumerate.New(fs, nil)

	peer1 := domain.RKey(0xDEADBEEF, 5)
	peer2 := domain.RKey(0xDEADBEEF, 6)

	c := fence.New(fence.Config{Interval: 5 * time.Second}, fs, e, func(name string) (domain.PRTransportIface, error) {
		tr := &mocks.PRTransport{}
		// First get_keys (during load) sees only peer1; the post-wait
		// get_keys sees peer2 appear too, i.e. the peer is live.
		tr.On("ReadKeys").Return([]uint64{peer1}, nil).Once()
		tr.On("ReadKeys").Return([]uint64{peer1, peer2}, nil)
		return tr, nil
	})
	c.SetClock(func(time.Duration) {}, func() time.Time { return time.Unix(0xA, 0) })

	_, err := c.Init(false)

	var pe *domain.PeerLivenessError
	assert.ErrorAs(t, err, &pe)
}

// Scenario 6 (spec.md §8): init reservation failure rate boundary.
func TestInit_FailureRateExactly10PercentTolerated(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/etc/machine-id", []byte("c0ffee0100000000"), 0644)
	for i := 0; i < 20; i++ {
		afero.WriteFile(fs, fmt.Sprintf("/sys/block/sd%c/dev", 'a'+i), []byte("8:0"), 0644)
	}
	e := enumerate.New(fs, nil)

	failCount := 0
	c := fence.New(fence.Config{Interval: 5 * time.Second}, fs, e, func(name string) (domain.PRTransportIface, error) {
		tr := emptyTransport()
		if name == "sda" || name == "sdb" {
			failCount++
			tr.ExpectedCalls = nil
			tr.On("ReadKeys").Return([]uint64(nil), nil)
			tr.On("ReadReservation").Return(&domain.Reservation{}, nil)
			tr.On("RegisterNewKey", mock.Anything).Return(fmt.Errorf("device busy"))
			tr.On("ReserveKey", mock.Anything).Return(nil)
		}
		return tr, nil
	})
	c.SetClock(func(time.Duration) {}, func() time.Time { return time.Unix(0xA, 0) })

	_, err := c.Init(true)
	assert.NoError(t, err)
	assert.Equal(t, 18, c.Disks().Len())
}

func TestInit_FailureRateAbove10PercentIsFatal(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/etc/machine-id", []byte("c0ffee0100000000"), 0644)
	for i := 0; i < 20; i++ {
		afero.WriteFile(fs, fmt.Sprintf("/sys/block/sd%c/dev", 'a'+i), []byte("8:0"), 0644)
	}
	e := enumerate.New(fs, nil)

	c := fence.New(fence.Config{Interval: 5 * time.Second}, fs, e, func(name string) (domain.PRTransportIface, error) {
		tr := emptyTransport()
		if name == "sda" || name == "sdb" || name == "sdc" {
			tr.ExpectedCalls = nil
			tr.On("ReadKeys").Return([]uint64(nil), nil)
			tr.On("ReadReservation").Return(&domain.Reservation{}, nil)
			tr.On("RegisterNewKey", mock.Anything).Return(fmt.Errorf("device busy"))
			tr.On("ReserveKey", mock.Anything).Return(nil)
		}
		return tr, nil
	})
	c.SetClock(func(time.Duration) {}, func() time.Time { return time.Unix(0xA, 0) })

	_, err := c.Init(true)
	var ie *domain.InitReservationError
	assert.ErrorAs(t, err, &ie)
}

// Scenario 4 (spec.md §8): steady-state peer takeover triggers panic.
func TestLoop_PeerTakeoverTriggersPanicCondition(t *testing.T) {
	fs := setupFS("sda")
	e := enumerate.New(fs, nil)

	tr := &mocks.PRTransport{}
	tr.On("ReadKeys").Return([]uint64(nil), nil)
	tr.On("RegisterNewKey", mock.Anything).Return(nil)
	tr.On("ReserveKey", mock.Anything).Return(nil)
	tr.On("UpdateKey", mock.Anything, mock.Anything).Return(fmt.Errorf("preempted"))
	peerHeld := domain.RKey(0xDEAD0000, 0x42)
	// Init's own reset_keys sees no reservation yet; only once steady-state
	// register_key starts failing does get_reservation reveal the peer.
	tr.On("ReadReservation").Return(&domain.Reservation{}, nil).Once()
	tr.On("ReadReservation").Return(&domain.Reservation{Key: &peerHeld}, nil)

	c := fence.New(fence.Config{Interval: 5 * time.Second}, fs, e, func(name string) (domain.PRTransportIface, error) {
		return tr, nil
	})
	c.SetClock(func(time.Duration) {}, func() time.Time { return time.Unix(1, 0) })

	_, err := c.Init(true)
	assert.NoError(t, err)

	err = c.Loop(context.Background(), 1)
	var pc *domain.PanicCondition
	assert.ErrorAs(t, err, &pc)
	assert.Equal(t, "sda", pc.Disk)
}

func TestLoop_TransientFailureDoesNotPanic(t *testing.T) {
	fs := setupFS("sda")
	e := enumerate.New(fs, nil)

	registerCalls := 0
	tr := &mocks.PRTransport{}
	tr.On("ReadKeys").Return([]uint64(nil), nil)
	tr.On("ReserveKey", mock.Anything).Return(nil)
	tr.On("RegisterNewKey", mock.Anything).Return(nil)
	tr.On("RegisterIgnoreKey", mock.Anything).Return(nil)
	tr.On("ReadReservation").Return(&domain.Reservation{}, nil)
	tr.On("UpdateKey", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		registerCalls++
	}).Return(func(old *uint64, new uint64) error {
		if registerCalls == 1 {
			return fmt.Errorf("transient error")
		}
		return nil
	})

	c := fence.New(fence.Config{Interval: 5 * time.Second}, fs, e, func(name string) (domain.PRTransportIface, error) {
		return tr, nil
	})
	c.SetClock(func(time.Duration) {}, func() time.Time { return time.Unix(1, 0) })

	_, err := c.Init(true)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.SetClock(func(time.Duration) { cancel() }, func() time.Time { return time.Unix(1, 0) })

	err = c.Loop(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.Disks().Len())
}

func TestRequestReload_TriggersReinitOnNextTick(t *testing.T) {
	fs := setupFS("sda")
	e := enumerate.New(fs, nil)

	c := fence.New(fence.Config{Interval: 5 * time.Second}, fs, e, func(name string) (domain.PRTransportIface, error) {
		return emptyTransport(), nil
	})
	c.SetClock(func(time.Duration) {}, func() time.Time { return time.Unix(1, 0) })

	_, err := c.Init(true)
	assert.NoError(t, err)

	c.RequestReload()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	c.SetClock(func(time.Duration) {
		calls++
		if calls > 1 {
			cancel()
		}
	}, func() time.Time { return time.Unix(2, 0) })

	err = c.Loop(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
