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

// Package mocks holds testify/mock stand-ins for fenced's external
// collaborator interfaces, used across the test suites in disk, diskset,
// and fence.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/truenas/fenced/domain"
)

// PRTransport is a testify mock implementing domain.PRTransportIface.
type PRTransport struct {
	mock.Mock
}

func (m *PRTransport) ReadKeys() ([]uint64, error) {
	args := m.Called()
	keys, _ := args.Get(0).([]uint64)
	return keys, args.Error(1)
}

func (m *PRTransport) ReadReservation() (*domain.Reservation, error) {
	args := m.Called()
	resv, _ := args.Get(0).(*domain.Reservation)
	return resv, args.Error(1)
}

func (m *PRTransport) RegisterNewKey(k uint64) error {
	return m.Called(k).Error(0)
}

func (m *PRTransport) RegisterIgnoreKey(k uint64) error {
	return m.Called(k).Error(0)
}

func (m *PRTransport) UpdateKey(old *uint64, new uint64) error {
	args := m.Called(old, new)
	if fn, ok := args.Get(0).(func(*uint64, uint64) error); ok {
		return fn(old, new)
	}
	return args.Error(0)
}

func (m *PRTransport) ReserveKey(k uint64) error {
	return m.Called(k).Error(0)
}

func (m *PRTransport) PreemptKey(victim uint64, k uint64) error {
	return m.Called(victim, k).Error(0)
}

var _ domain.PRTransportIface = (*PRTransport)(nil)
