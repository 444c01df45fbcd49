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

	"golang.org/x/sys/unix"

	"github.com/flatpak/revokefs/cfg"
	"github.com/flatpak/revokefs/internal/logger"
	"github.com/flatpak/revokefs/internal/metrics"
	"github.com/flatpak/revokefs/internal/protocol"
	"github.com/flatpak/revokefs/internal/writer"
)

// runBackend runs the privileged half: it owns basefd and serves every
// mutating request arriving on the already-connected --socket fd until the
// Reader closes its end or a protocol violation occurs.
func runBackend(c *cfg.Config, basePath string) error {
	basefd, err := unix.Open(basePath, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening base path %q: %w", basePath, err)
	}
	defer unix.Close(basefd)

	conn := protocol.NewConn(c.Backend.SocketFD)
	w := writer.New(conn, basefd)

	if c.MetricsAddr != "" {
		m := metrics.New(nil)
		w.SetMetrics(m)
		metrics.Serve(context.Background(), c.MetricsAddr)
	}

	if c.Backend.ExitWithFD >= 0 {
		go watchExitFD(c.Backend.ExitWithFD)
	}

	logger.Infof("writer: serving on fd %d against %q", c.Backend.SocketFD, basePath)
	if err := w.Serve(); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	return nil
}

// watchExitFD blocks until fd reports EOF or an error, then terminates the
// process. It is the Writer's tether to a controller that might die without
// cleanly closing the control socket.
func watchExitFD(fd int) {
	buf := make([]byte, 1)
	for {
		n, err := unix.Read(fd, buf)
		if n == 0 || err != nil {
			logger.Errorf("writer: exit-with-fd tether lost, terminating")
			os.Exit(1)
		}
	}
}
