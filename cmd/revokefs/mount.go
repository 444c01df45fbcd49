// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/kardianos/osext"
	"golang.org/x/sys/unix"

	"github.com/flatpak/revokefs/cfg"
	"github.com/flatpak/revokefs/internal/logger"
	"github.com/flatpak/revokefs/internal/metrics"
	"github.com/flatpak/revokefs/internal/protocol"
	"github.com/flatpak/revokefs/internal/reader"
)

// runMount is the Reader-side entry point: it wires up a control socket to a
// Writer (re-exec'ing itself as one unless --socket was already supplied),
// mounts the filesystem, and blocks until it is unmounted.
func runMount(c *cfg.Config, basePath, mountPoint string) error {
	basefd, err := unix.Open(basePath, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening base path %q: %w", basePath, err)
	}
	defer unix.Close(basefd)

	readerFD, cleanup, err := connectWriter(c, basePath)
	if err != nil {
		return err
	}
	defer cleanup()

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	rdr := reader.New(basefd, protocol.NewConn(readerFD), uid, gid)

	if c.MetricsAddr != "" {
		rdr.SetMetrics(metrics.New(nil))
		metrics.Serve(context.Background(), c.MetricsAddr)
	}

	mountCfg := &fuse.MountConfig{
		FSName:  "revokefs",
		Subtype: "revokefs",
		Options: parseOptions(c.Mount.Options),
	}

	server := fuseutil.NewFileSystemServer(rdr)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	registerSIGINTHandler(mountPoint)

	logger.Infof("revokefs: mounted %q at %q", basePath, mountPoint)
	return mfs.Join(context.Background())
}

// connectWriter returns an fd the Reader should speak the control protocol
// over, plus a cleanup func to run once the mount is torn down. When the
// caller already handed us a connected socket (--socket), it is used as-is;
// otherwise a fresh socketpair is created and this binary is re-exec'd as
// the Writer (--backend) against the other end.
func connectWriter(c *cfg.Config, basePath string) (int, func(), error) {
	if c.Mount.SocketFD >= 0 {
		return c.Mount.SocketFD, func() {}, nil
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("socketpair: %w", err)
	}
	readerFD, writerFD := fds[0], fds[1]

	exe, err := osext.Executable()
	if err != nil {
		unix.Close(readerFD)
		unix.Close(writerFD)
		return 0, nil, fmt.Errorf("osext.Executable: %w", err)
	}

	writerFile := os.NewFile(uintptr(writerFD), "writer-socket")
	cmd := exec.Command(exe, "--backend", "--socket=3", basePath)
	cmd.ExtraFiles = []*os.File{writerFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(readerFD)
		writerFile.Close()
		return 0, nil, fmt.Errorf("starting writer backend: %w", err)
	}
	writerFile.Close()

	cleanup := func() {
		unix.Close(readerFD)
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
	return readerFD, cleanup, nil
}

// parseOptions turns "-o key=value" / "-o key" pairs into the map shape
// fuse.MountConfig.Options expects.
func parseOptions(opts []string) map[string]string {
	m := make(map[string]string, len(opts))
	for _, o := range opts {
		if k, v, ok := strings.Cut(o, "="); ok {
			m[k] = v
		} else {
			m[o] = ""
		}
	}
	return m
}

// registerSIGINTHandler lets the user unmount with Ctrl-C, following the
// same retry-until-unmounted pattern as every mount command in this family.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("revokefs: received SIGINT, attempting to unmount...")
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("revokefs: unmount failed: %v", err)
				continue
			}
			logger.Infof("revokefs: unmounted %q", mountPoint)
			return
		}
	}()
}
