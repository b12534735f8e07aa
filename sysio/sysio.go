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

// Package sysio collects the out-of-core, host-facing bits a running
// daemon needs but the PR state machine does not: host-ID derivation, the
// pid file, the alert sentinel, and the sysrq panic trigger. Everything
// goes through an afero.Fs so the whole shell can be driven against an
// in-memory filesystem in tests, the way the teacher's ioFileService does
// for procfs/sysfs node access.
package sysio

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Shell bundles the filesystem and process-liveness probe a running
// instance of fenced uses. The zero value is not usable; use NewShell or
// NewMemShell.
type Shell struct {
	fs    afero.Fs
	alive func(pid int) bool
}

// NewShell returns a Shell backed by the real OS filesystem and process
// table.
func NewShell() *Shell {
	return &Shell{fs: afero.NewOsFs(), alive: processAlive}
}

// NewMemShell returns a Shell backed by an in-memory filesystem, for tests.
// alive defaults to "nothing is ever alive" unless overridden.
func NewMemShell() *Shell {
	return &Shell{fs: afero.NewMemMapFs(), alive: func(int) bool { return false }}
}

// SetAliveFunc overrides the process-liveness probe, for tests that need
// to simulate a live competing process.
func (s *Shell) SetAliveFunc(f func(pid int) bool) { s.alive = f }

// processAlive probes liveness with signal 0, which performs error
// checking without actually delivering a signal (kill(2)).
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// HostID reads the machine-identifier file at path and derives a 32-bit
// host ID from its first 8 hex characters, matching the original's
// `int(f.read(8), 16)`.
func HostID(fs afero.Fs, path string) (uint32, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	s := strings.TrimSpace(string(data))
	if len(s) < 8 {
		return 0, fmt.Errorf("%s too short to derive a host id: %q", path, s)
	}
	v, err := strconv.ParseUint(s[:8], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing host id from %s: %w", path, err)
	}
	return uint32(v), nil
}

// WritePidFile writes pid, as ASCII decimal, to path. Called after
// daemonization so the recorded pid is the final, post-fork one.
func (s *Shell) WritePidFile(path string, pid int) error {
	return afero.WriteFile(s.fs, path, []byte(strconv.Itoa(pid)), 0644)
}

// CheckPidFile reports whether a live process other than the caller
// already holds path. A missing or unparsable pid file is treated as "not
// running" rather than an error, matching the original's
// contextlib.suppress(Exception) around the equivalent check.
func (s *Shell) CheckPidFile(path string) (running bool) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	if pid == os.Getpid() {
		return false
	}
	return s.alive(pid)
}

// DestroyPidFile removes the pid file, ignoring a missing file.
func (s *Shell) DestroyPidFile(path string) error {
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AlertSentinel writes the current epoch time to path and fsyncs it, so
// the surrounding management stack can explain an unclean reboot after
// the fact.
func (s *Shell) AlertSentinel(path string, now time.Time) error {
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.FormatInt(now.Unix(), 10)); err != nil {
		return err
	}
	return f.Sync()
}

// sysrqPath and sysrqTriggerPath are the kernel's magic SysRq control
// files (see Documentation/admin-guide/sysrq.rst).
const (
	sysrqPath        = "/proc/sys/kernel/sysrq"
	sysrqTriggerPath = "/proc/sysrq-trigger"
)

// Panic writes "1" to enable the magic SysRq key, then "b" to force an
// immediate, unclean reboot. It does not return on a real kernel; on the
// in-memory filesystem used by tests, it returns the first write error.
func (s *Shell) Panic() error {
	if err := afero.WriteFile(s.fs, sysrqPath, []byte("1"), 0644); err != nil {
		return fmt.Errorf("enabling sysrq: %w", err)
	}
	if err := afero.WriteFile(s.fs, sysrqTriggerPath, []byte("b"), 0644); err != nil {
		return fmt.Errorf("triggering sysrq reboot: %w", err)
	}
	return nil
}

// FS exposes the underlying afero.Fs, e.g. for callers that also need it
// for enumerate.SysBlock.
func (s *Shell) FS() afero.Fs { return s.fs }
