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

// Package enumerate discovers the block devices fenced should place
// reservations on. By the time fenced runs, the OS has been multi-user for
// a while, so this scans /sys/block directly rather than going through
// libudev: sysfs doesn't miss devices the way udev can after a userspace
// rescan.
package enumerate

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/truenas/fenced/domain"
)

var (
	sdPattern   = regexp.MustCompile(`^sd[a-z]+$`)
	nvmePattern = regexp.MustCompile(`^nvme\d+n\d+$`)
)

// LogInfo is the opaque per-disk troubleshooting metadata surfaced on
// SIGUSR1. Its shape depends on how the disk was discovered: plain sysfs
// scanning sets Type only (Serial is left empty); under --use-zpools the
// fields come from the ZpoolFilter, e.g. Zpool/GUID.
type LogInfo struct {
	Serial string
	Type   string
	Zpool  string
	GUID   string
}

// ZpoolFilter restricts enumeration to disks backing active storage pools,
// the --use-zpools path. A real implementation queries pool topology; it
// is out of scope here the same way the transport and middleware
// collaborators are.
type ZpoolFilter interface {
	// Disks returns disk name -> LogInfo for every disk currently backing
	// an imported pool.
	Disks() (map[string]LogInfo, error)
}

// SysBlock enumerates eligible disks by scanning /sys/block.
type SysBlock struct {
	fs     afero.Fs
	zpools ZpoolFilter
}

// New returns a SysBlock enumerator. zpools may be nil; it is only
// consulted when Enumerate is called with useZpools true.
func New(fs afero.Fs, zpools ZpoolFilter) *SysBlock {
	return &SysBlock{fs: fs, zpools: zpools}
}

// Enumerate returns disk name -> LogInfo for every eligible disk, after
// applying exclude and the pmem* skip. It returns a *domain.EnumerationError
// if the candidate set is empty, or if exclude removes every candidate.
func (s *SysBlock) Enumerate(exclude []string, useZpools bool) (map[string]LogInfo, error) {
	var candidates map[string]LogInfo
	var err error

	if useZpools {
		if s.zpools == nil {
			return nil, &domain.EnumerationError{Reason: "use_zpools requested but no zpool backend configured"}
		}
		candidates, err = s.zpools.Disks()
	} else {
		candidates, err = s.scanSysBlock()
	}
	if err != nil {
		return nil, &domain.EnumerationError{Reason: err.Error()}
	}

	if len(candidates) == 0 {
		return nil, &domain.EnumerationError{Reason: "no candidate disks found"}
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		excluded[e] = struct{}{}
	}

	if allExcluded(candidates, excluded) {
		return nil, &domain.EnumerationError{Reason: "excluding all disks is not allowed"}
	}

	out := make(map[string]LogInfo, len(candidates))
	for name, info := range candidates {
		if strings.HasPrefix(name, "pmem") {
			continue
		}
		if _, skip := excluded[name]; skip {
			continue
		}
		out[name] = info
	}

	if len(out) == 0 {
		return nil, &domain.EnumerationError{Reason: "excluding all disks is not allowed"}
	}

	return out, nil
}

func allExcluded(candidates map[string]LogInfo, excluded map[string]struct{}) bool {
	for name := range candidates {
		if _, skip := excluded[name]; !skip {
			return false
		}
	}
	return true
}

// scanSysBlock walks /sys/block, matching sd[a-z]+ and nvme\d+n\d+ device
// names that have a surfaced "dev" node.
func (s *SysBlock) scanSysBlock() (map[string]LogInfo, error) {
	entries, err := afero.ReadDir(s.fs, "/sys/block")
	if err != nil {
		logrus.WithError(err).Error("enumerating disks from /sys/block")
		return map[string]LogInfo{}, nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !sdPattern.MatchString(name) && !nvmePattern.MatchString(name) {
			continue
		}
		if ok, _ := afero.Exists(s.fs, path.Join("/sys/block", name, "dev")); !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	disks := make(map[string]LogInfo, len(names))
	for _, name := range names {
		disks[name] = LogInfo{Type: diskType(name)}
	}
	return disks, nil
}

func diskType(name string) string {
	if strings.Contains(name, "nvme") {
		return "nvme"
	}
	return "scsi"
}
