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
	"strings"

	"github.com/truenas/fenced/domain"
)

// Open returns the PR transport appropriate for the device name: NVMe
// passthrough for "nvme*" namespaces, SG_IO for everything else (sd*).
func Open(name string) (domain.PRTransportIface, error) {
	if strings.Contains(name, "nvme") {
		return NewNVMe(name)
	}
	return NewSCSI(name)
}
