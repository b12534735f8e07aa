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

package executor_test

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/truenas/fenced/domain"
	"github.com/truenas/fenced/executor"
)

type fakeDisk struct {
	name string
}

func (f *fakeDisk) Name() string                    { return f.name }
func (f *fakeDisk) CurKey() *uint64                  { return nil }
func (f *fakeDisk) LogInfo() any                     { return nil }
func (f *fakeDisk) GetReservation() (*domain.Reservation, error) { return nil, nil }
func (f *fakeDisk) GetKeys() (*uint64, map[uint64]struct{}, error) {
	return nil, nil, nil
}
func (f *fakeDisk) RegisterKey(uint32) error { return nil }
func (f *fakeDisk) ResetKeys(uint32) error   { return nil }

func disks(n int) []domain.DiskIface {
	out := make([]domain.DiskIface, n)
	for i := range out {
		out[i] = &fakeDisk{name: fmt.Sprintf("disk%d", i)}
	}
	return out
}

func TestRun_AllSucceed(t *testing.T) {
	failed := executor.Run(disks(10), func(d domain.DiskIface) (any, error) {
		return nil, nil
	}, nil)
	assert.Empty(t, failed)
}

func TestRun_SomeFail(t *testing.T) {
	ds := disks(5)
	failed := executor.Run(ds, func(d domain.DiskIface) (any, error) {
		if d.Name() == "disk2" || d.Name() == "disk4" {
			return nil, errors.New("boom")
		}
		return nil, nil
	}, nil)
	assert.Len(t, failed, 2)
}

func TestRun_RespectsConcurrencyCap(t *testing.T) {
	var inflight, maxInflight int64
	failed := executor.Run(disks(200), func(d domain.DiskIface) (any, error) {
		cur := atomic.AddInt64(&inflight, 1)
		defer atomic.AddInt64(&inflight, -1)
		for {
			m := atomic.LoadInt64(&maxInflight)
			if cur <= m || atomic.CompareAndSwapInt64(&maxInflight, m, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nil, nil
	}, nil)
	assert.Empty(t, failed)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInflight), int64(executor.Cap))
}

func TestRun_OnCompleteOverridesFailureDecision(t *testing.T) {
	ds := disks(3)
	var foldedRemote int
	failed := executor.Run(ds, func(d domain.DiskIface) (any, error) {
		return d.Name(), nil
	}, func(d domain.DiskIface, value any, err error) bool {
		foldedRemote++
		// Mark every item failed regardless of the nil error, the way
		// get_keys fails a disk that reported no host key of its own.
		return true
	})
	assert.Len(t, failed, 3)
	assert.Equal(t, 3, foldedRemote)
}

func TestRunWithTimeout_SlowWorkerCountsAsFailed(t *testing.T) {
	ds := disks(3)
	failed := executor.RunWithTimeout(ds, func(d domain.DiskIface) (any, error) {
		if d.Name() == "disk1" {
			time.Sleep(200 * time.Millisecond)
		}
		return nil, nil
	}, nil, 20*time.Millisecond)
	assert.Len(t, failed, 1)
	assert.Equal(t, "disk1", failed[0].Name())
}

func TestRun_Empty(t *testing.T) {
	assert.Nil(t, executor.Run(nil, func(d domain.DiskIface) (any, error) {
		return nil, nil
	}, nil))
}
