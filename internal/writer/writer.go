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

// Package writer implements the privileged half of revokefs: the process
// that actually performs mutating syscalls on behalf of the Reader, against
// its own basefd, after validating every path it is handed.
package writer

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flatpak/revokefs/internal/logger"
	"github.com/flatpak/revokefs/internal/metrics"
	"github.com/flatpak/revokefs/internal/protocol"
)

// Mode bits stripped unconditionally from every MKDIR/CHMOD/OPEN-with-create:
// setuid, setgid, group-write, other-write.
const (
	modeISUID = 0o4000
	modeISGID = 0o2000
	modeIWGRP = 0o020
	modeIWOTH = 0o002
)

// modeMask clears setuid, setgid, and group/other write bits. Applied
// unconditionally to every mode the Writer is asked to create or set.
const modeMask = ^uint32(modeISUID | modeISGID | modeIWGRP | modeIWOTH)

func maskMode(mode uint32) uint32 {
	return mode & modeMask
}

// FatalError is returned by Writer.Serve when the control socket protocol
// was violated (bad op, bad payload size, a path-validation failure, or a
// framing error) rather than when an individual operation merely failed.
// The caller should terminate the process with exit status 1 on receiving
// one: the control socket is no longer in a known state.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

func fatalf(format string, v ...any) error {
	return &FatalError{msg: fmt.Sprintf(format, v...)}
}

// Writer is the long-lived state every op handler operates against: its own
// fd on the base tree and the set of fds it has opened on the Reader's
// behalf. There is deliberately no file-scope global; everything mutable
// lives here, guarded by mu.
type Writer struct {
	// Dependencies
	conn    *protocol.Conn
	metrics *metrics.Metrics

	// Mutable state
	mu      sync.Mutex
	basefd  int
	openFDs map[int]struct{}
	nextFD  int
}

// New constructs a Writer holding basefd (an already-open directory fd
// pinning the base tree) and communicating over conn.
func New(conn *protocol.Conn, basefd int) *Writer {
	return &Writer{
		conn:    conn,
		basefd:  basefd,
		openFDs: make(map[int]struct{}),
	}
}

// SetMetrics attaches the collectors ops should be reported against. Safe to
// leave unset; all recording calls are nil-safe.
func (w *Writer) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// Serve runs the Writer's main loop: read one request, dispatch, write
// exactly one response, repeat. It returns nil on orderly shutdown (the
// Reader closed its end), or a *FatalError on any protocol violation.
func (w *Writer) Serve() error {
	for {
		req, err := w.conn.ReadRequest()
		if err != nil {
			if err == io.EOF {
				logger.Infof("writer: control socket closed, exiting")
				return nil
			}
			return fatalf("writer: short read on control socket: %v", err)
		}

		start := time.Now()
		resp, fatal := w.dispatch(req)
		if fatal != nil {
			logger.Errorf("writer: protocol violation: %v", fatal)
			return fatal
		}
		w.metrics.ObserveOp(req.Op.String(), start, resp.Result < 0)

		w.mu.Lock()
		openCount := len(w.openFDs)
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.OpenFDs.Set(float64(openCount))
		}

		if err := w.conn.WriteResponse(resp); err != nil {
			return fatalf("writer: failed writing response: %v", err)
		}
	}
}

func (w *Writer) dispatch(req *protocol.Request) (*protocol.Response, error) {
	if !req.Op.Valid() {
		return nil, fatalf("unknown op code %d", req.Op)
	}

	switch req.Op {
	case protocol.OpMkdir:
		return w.handleMkdir(req)
	case protocol.OpRmdir:
		return w.handleRmdir(req)
	case protocol.OpUnlink:
		return w.handleUnlink(req)
	case protocol.OpSymlink:
		return w.handleSymlink(req)
	case protocol.OpLink:
		return w.handleLink(req)
	case protocol.OpRename:
		return w.handleRename(req)
	case protocol.OpChmod:
		return w.handleChmod(req)
	case protocol.OpChown:
		return w.handleChown(req)
	case protocol.OpTruncate:
		return w.handleTruncate(req)
	case protocol.OpUtimens:
		return w.handleUtimens(req)
	case protocol.OpOpen:
		return w.handleOpen(req)
	case protocol.OpRead:
		return w.handleRead(req)
	case protocol.OpWrite:
		return w.handleWrite(req)
	case protocol.OpFsync:
		return w.handleFsync(req)
	case protocol.OpClose:
		return w.handleClose(req)
	case protocol.OpAccess:
		return w.handleAccess(req)
	default:
		return nil, fatalf("unhandled op code %d", req.Op)
	}
}

// validatePath enforces spec path validation: non-empty, not absolute, no
// ".." component. A violation is always fatal for the connection.
func validatePath(path string) error {
	if path == "" {
		return fatalf("empty path")
	}
	if strings.HasPrefix(path, "/") {
		return fatalf("absolute path %q", path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fatalf("path %q contains '..' component", path)
		}
	}
	return nil
}

func errnoResult(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(syscall.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}

func okResponse(result int32) *protocol.Response {
	return &protocol.Response{Result: result}
}

func renameat2(olddirfd int, oldpath string, newdirfd int, newpath string, flags uint32) error {
	return unix.Renameat2(olddirfd, oldpath, newdirfd, newpath, uint(flags))
}

// decodeTimespecs decodes the two little-endian {sec int64, nsec int64}
// pairs UTIMENS appends after the path, in access-then-modify order.
func decodeTimespecs(b []byte) ([]unix.Timespec, error) {
	const specLen = 16 // two int64
	if len(b) != 2*specLen {
		return nil, fmt.Errorf("expected %d bytes of timespecs, got %d", 2*specLen, len(b))
	}
	var ts [2]unix.Timespec
	for i := 0; i < 2; i++ {
		off := i * specLen
		sec := int64(binary.LittleEndian.Uint64(b[off : off+8]))
		nsec := int64(binary.LittleEndian.Uint64(b[off+8 : off+16]))
		ts[i] = unix.Timespec{Sec: sec, Nsec: nsec}
	}
	return ts[:], nil
}

func (w *Writer) handleMkdir(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	mode := maskMode(uint32(req.Arg1))
	err := unix.Mkdirat(w.basefd, path, mode)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleRmdir(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	err := unix.Unlinkat(w.basefd, path, unix.AT_REMOVEDIR)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleUnlink(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	err := unix.Unlinkat(w.basefd, path, 0)
	return okResponse(errnoResult(err)), nil
}

// splitTwoPaths splits a Data1 payload carrying "from <> to" concatenated,
// per the wire layout where arg1 carries len(from).
func splitTwoPaths(data []byte, fromLen uint64) (from, to string) {
	n := int(fromLen)
	if n > len(data) {
		n = len(data)
	}
	return string(data[:n]), string(data[n:])
}

func (w *Writer) handleSymlink(req *protocol.Request) (*protocol.Response, error) {
	from, to := splitTwoPaths(req.Data1, req.Arg1)
	// from is deliberately not validated: it becomes the symlink's target
	// text, not a path the Writer itself resolves.
	if err := validatePath(to); err != nil {
		return nil, err
	}
	err := unix.Symlinkat(from, w.basefd, to)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleLink(req *protocol.Request) (*protocol.Response, error) {
	from, to := splitTwoPaths(req.Data1, req.Arg1)
	if err := validatePath(from); err != nil {
		return nil, err
	}
	if err := validatePath(to); err != nil {
		return nil, err
	}
	err := unix.Linkat(w.basefd, from, w.basefd, to, 0)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleRename(req *protocol.Request) (*protocol.Response, error) {
	from, to := splitTwoPaths(req.Data1, req.Arg1)
	if err := validatePath(from); err != nil {
		return nil, err
	}
	if err := validatePath(to); err != nil {
		return nil, err
	}
	flags := uint32(req.Arg2)
	err := renameat2(w.basefd, from, w.basefd, to, flags)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleChmod(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	mode := maskMode(uint32(req.Arg1))
	err := unix.Fchmodat(w.basefd, path, mode, 0)
	return okResponse(errnoResult(err)), nil
}

// chownArg decodes a CHOWN uid/gid argument: the wire value 0xFFFFFFFF
// (int32(-1) sign-extended into the low 32 bits) means "leave unchanged",
// matching fchownat's own -1 convention.
func chownArg(v uint64) int {
	if int32(uint32(v)) == -1 {
		return -1
	}
	return int(uint32(v))
}

func (w *Writer) handleChown(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	uid := chownArg(req.Arg1)
	gid := chownArg(req.Arg2)
	err := unix.Fchownat(w.basefd, path, uid, gid, unix.AT_SYMLINK_NOFOLLOW)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleTruncate(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	size := int64(req.Arg1)

	fd, err := unix.Openat(w.basefd, path, unix.O_WRONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return okResponse(errnoResult(err)), nil
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, size); err != nil {
		return okResponse(errnoResult(err)), nil
	}
	return okResponse(0), nil
}

func (w *Writer) handleUtimens(req *protocol.Request) (*protocol.Response, error) {
	pathLen := int(req.Arg1)
	if pathLen > len(req.Data1) {
		return nil, fatalf("utimens: path length %d exceeds payload", pathLen)
	}
	path := string(req.Data1[:pathLen])
	if err := validatePath(path); err != nil {
		return nil, err
	}
	tsBytes := req.Data1[pathLen:]
	ts, err := decodeTimespecs(tsBytes)
	if err != nil {
		return nil, fatalf("utimens: %v", err)
	}
	uerr := unix.UtimesNanoAt(w.basefd, path, ts, unix.AT_SYMLINK_NOFOLLOW)
	return okResponse(errnoResult(uerr)), nil
}

func (w *Writer) handleOpen(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	mode := maskMode(uint32(req.Arg1))
	flags := int(req.Arg2)

	wantTrunc := flags&unix.O_TRUNC != 0
	openFlags := (flags &^ unix.O_TRUNC) | unix.O_NOFOLLOW

	fd, err := unix.Openat(w.basefd, path, openFlags, mode)
	if err != nil {
		return okResponse(errnoResult(err)), nil
	}

	if wantTrunc {
		if err := unix.Ftruncate(fd, 0); err != nil {
			unix.Close(fd)
			return okResponse(errnoResult(err)), nil
		}
	}

	w.mu.Lock()
	w.openFDs[fd] = struct{}{}
	w.mu.Unlock()

	return okResponse(int32(fd)), nil
}

func (w *Writer) fdOpen(fd int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.openFDs[fd]
	return ok
}

func (w *Writer) handleRead(req *protocol.Request) (*protocol.Response, error) {
	fd := int(req.Arg1)
	size := req.Arg2
	offset := int64(req.Arg3)

	if !w.fdOpen(fd) {
		return okResponse(-int32(unix.EBADF)), nil
	}
	if size > protocol.MaxDataSize {
		size = protocol.MaxDataSize
	}

	buf := make([]byte, size)
	n, err := unix.Pread(fd, buf, offset)
	if err != nil {
		return okResponse(errnoResult(err)), nil
	}
	if w.metrics != nil {
		w.metrics.BytesRead.Add(float64(n))
	}
	return &protocol.Response{Result: int32(n), Data: buf[:n]}, nil
}

func (w *Writer) handleWrite(req *protocol.Request) (*protocol.Response, error) {
	fd := int(req.Arg1)
	offset := int64(req.Arg2)

	if !w.fdOpen(fd) {
		return okResponse(-int32(unix.EBADF)), nil
	}

	n, err := unix.Pwrite(fd, req.Data1, offset)
	if err != nil {
		return okResponse(errnoResult(err)), nil
	}
	if w.metrics != nil {
		w.metrics.BytesWrite.Add(float64(n))
	}
	return okResponse(int32(n)), nil
}

func (w *Writer) handleFsync(req *protocol.Request) (*protocol.Response, error) {
	fd := int(req.Arg1)
	if !w.fdOpen(fd) {
		return okResponse(-int32(unix.EBADF)), nil
	}
	err := unix.Fsync(fd)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleClose(req *protocol.Request) (*protocol.Response, error) {
	fd := int(req.Arg1)
	if !w.fdOpen(fd) {
		return okResponse(-int32(unix.EBADF)), nil
	}

	w.mu.Lock()
	delete(w.openFDs, fd)
	w.mu.Unlock()

	err := unix.Close(fd)
	return okResponse(errnoResult(err)), nil
}

func (w *Writer) handleAccess(req *protocol.Request) (*protocol.Response, error) {
	path := string(req.Data1)
	if err := validatePath(path); err != nil {
		return nil, err
	}
	mode := uint32(req.Arg1)
	err := unix.Faccessat(w.basefd, path, mode, unix.AT_SYMLINK_NOFOLLOW)
	return okResponse(errnoResult(err)), nil
}
