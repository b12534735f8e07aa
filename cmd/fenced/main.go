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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/truenas/fenced/domain"
	"github.com/truenas/fenced/enumerate"
	"github.com/truenas/fenced/fence"
	"github.com/truenas/fenced/sysio"
	"github.com/truenas/fenced/transport"
)

const (
	runDir    = "/run/fenced"
	pidFile   = runDir + "/fenced.pid"
	alertFile = "/data/sentinels/.failover_reboot"
	usage     = `fenced disk-fencing daemon

fenced places SCSI-3 / NVMe persistent reservations on shared storage so
that, in a two-controller HA pair, only the controller that legitimately
owns the data path can write to it. Losing a reservation race is fatal
by design: the losing controller panics itself rather than risk split
brain.
`
)

// Exit codes, matching spec.md §6.
const (
	exitRegisterError     = 1
	exitRemoteRunning     = 2
	exitReserveError      = 3
	exitExcludeDisksError = 4
	exitUnknown           = 5
	exitAlreadyRunning    = 6
	exitNoPanic           = 7
)

// daemonizeEnvVar marks a process as the already-detached child of a
// daemonize() re-exec, so it does not try to fork again.
const daemonizeEnvVar = "FENCED_DAEMONIZED"

// Globals populated at build time.
var (
	version  string
	commitId string
	builtAt  string
)

func parseExcludeDisks(raw string) []string {
	var out []string
	for _, field := range strings.Fields(raw) {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func setResourceLimits() error {
	limit := unix.Rlimit{Cur: 4096, Max: 4096}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &limit)
}

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	if cpuProfOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memProfOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

func setupRunDir() error {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", runDir, err)
	}
	return nil
}

// daemonize re-execs the current process detached from the controlling
// terminal, in its own session, with its standard descriptors redirected to
// /dev/null, and
// exits the parent. The Go runtime's multithreading rules out a raw
// fork(2) here (child state post-fork is only safe until the first malloc
// or goroutine switch); re-exec under a fresh session is the portable
// equivalent of the original's double os.fork()/setsid()/closerange().
func daemonize() error {
	if os.Getenv(daemonizeEnvVar) == "1" {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizeEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "fenced"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "force, f",
			Usage: "do not check existing disk reservations",
		},
		cli.BoolFlag{
			Name:  "foreground, F",
			Usage: "run in foreground mode",
		},
		cli.BoolFlag{
			Name:  "no-panic, np",
			Usage: "do not panic in case of a fatal error",
		},
		cli.IntFlag{
			Name:  "interval, i",
			Value: 5,
			Usage: "time in seconds between each SCSI reservation set/check",
		},
		cli.StringFlag{
			Name:  "exclude-disks, ed",
			Value: "",
			Usage: "list of disks to be excluded from SCSI reservations (THIS CAN CAUSE PROBLEMS IF YOU DON'T KNOW WHAT YOU'RE DOING)",
		},
		cli.BoolFlag{
			Name:  "use-zpools, uz",
			Usage: "reserve the disks in use by the zpools detected on this system",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("fenced\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n",
			c.App.Version, commitId, builtAt)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info", "":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. exiting ...", ctx.GlobalString("log-level"))
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		logrus.Info("Initiating fenced ...")

		// Daemonizing re-execs into a detached child, so it must happen
		// before any work this process would otherwise have to redo: the
		// child opens its own device handles during its own Init.
		if !ctx.Bool("foreground") {
			logrus.Info("Entering daemon mode.")
			if err := daemonize(); err != nil {
				logrus.Fatal(err)
			}
		} else {
			logrus.Info("Running in foreground mode.")
		}

		shell := sysio.NewShell()

		if shell.CheckPidFile(pidFile) {
			logrus.Error("fenced is already running")
			os.Exit(exitAlreadyRunning)
		}

		if err := setupRunDir(); err != nil {
			logrus.Fatal(err)
		}
		if err := setResourceLimits(); err != nil {
			logrus.WithError(err).Warn("failed to raise RLIMIT_NOFILE, continuing with the current limit")
		}

		cfg := fence.Config{
			Interval:     time.Duration(ctx.Int("interval")) * time.Second,
			ExcludeDisks: parseExcludeDisks(ctx.String("exclude-disks")),
			UseZpools:    ctx.Bool("use-zpools"),
		}

		enumerator := enumerate.New(shell.FS(), nil)
		controller := fence.New(cfg, shell.FS(), enumerator, transport.Open)

		counter, err := controller.Init(ctx.Bool("force"))
		if err != nil {
			return mapInitError(err)
		}

		prof, err := runProfiler(ctx)
		if err != nil {
			logrus.Fatal(err)
		}

		if err := shell.WritePidFile(pidFile, os.Getpid()); err != nil {
			logrus.WithError(err).Warn("failed to write pid file")
		}
		defer shell.DestroyPidFile(pidFile)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGUSR1)
		go func() {
			for s := range sigChan {
				switch s {
				case syscall.SIGHUP:
					controller.RequestReload()
				case syscall.SIGUSR1:
					logrus.Infof("disk set snapshot: %+v", controller.Disks().Snapshot())
				}
			}
		}()

		systemd.SdNotify(false, systemd.SdNotifyReady)
		logrus.Info("Ready ...")

		loopErr := controller.Loop(context.Background(), counter)

		systemd.SdNotify(false, systemd.SdNotifyStopping)
		if prof != nil {
			prof.Stop()
		}

		return mapLoopError(loopErr, shell, ctx.Bool("no-panic"))
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Error(err)
		os.Exit(exitUnknown)
	}
}

// mapInitError logs the init failure and exits with the code spec.md §6
// assigns it; it never returns, matching the original's sys.exit() calls.
func mapInitError(err error) error {
	var peerErr *domain.PeerLivenessError
	var resvErr *domain.InitReservationError
	var enumErr *domain.EnumerationError

	switch {
	case errors.Is(err, domain.ErrNoDisksRegistered):
		logrus.WithError(err).Error("no disks registered")
		os.Exit(exitRegisterError)
	case errors.As(err, &peerErr):
		logrus.WithError(err).Error("a peer controller is live")
		os.Exit(exitRemoteRunning)
	case errors.As(err, &resvErr):
		logrus.WithError(err).Error("too many disks failed initial reservation")
		os.Exit(exitReserveError)
	case errors.As(err, &enumErr):
		logrus.WithError(err).Error("disk enumeration failed")
		os.Exit(exitExcludeDisksError)
	default:
		logrus.WithError(err).Error("unexpected init failure")
		os.Exit(exitUnknown)
	}
	return nil
}

// mapLoopError handles the one condition the steady-state loop can return
// that isn't a plain context cancellation: a confirmed peer takeover, which
// must panic the box unless --no-panic is set.
func mapLoopError(err error, shell *sysio.Shell, noPanic bool) error {
	if err == nil || errors.Is(err, context.Canceled) {
		logrus.Info("Done.")
		return nil
	}

	var pc *domain.PanicCondition
	if !errors.As(err, &pc) {
		logrus.WithError(err).Error("unexpected loop failure")
		os.Exit(exitUnknown)
		return nil
	}

	if noPanic {
		logrus.WithError(err).Warn("panic condition reached, --no-panic set, exiting instead")
		os.Exit(exitNoPanic)
		return nil
	}

	logrus.Errorf("FATAL: issuing an immediate panic because %s", pc.Reason)
	if err := shell.AlertSentinel(alertFile, time.Now()); err != nil {
		logrus.WithError(err).Warn("failed to write alert file")
	}
	if err := shell.Panic(); err != nil {
		logrus.WithError(err).Fatal("failed to trigger sysrq panic")
	}
	return nil
}
