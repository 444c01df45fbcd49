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

package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/flatpak/revokefs/internal/protocol"
)

// newTestWriter opens a temp dir as basefd and wires a Writer to one end of
// a socketpair, returning the other end for the test to drive directly
// (bypassing the Reader entirely, as the Writer's own contract requires).
func newTestWriter(t *testing.T) (*Writer, *protocol.Conn, string) {
	t.Helper()
	dir := t.TempDir()

	basefd, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(basefd) })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
	})

	w := New(protocol.NewConn(fds[1]), basefd)
	return w, protocol.NewConn(fds[0]), dir
}

func TestMkdirStripsSetuidBit(t *testing.T) {
	w, driver, dir := newTestWriter(t)
	go w.Serve()

	err := driver.WriteRequest(&protocol.Request{
		Op:    protocol.OpMkdir,
		Arg1:  0o4755,
		Data1: []byte("d"),
	})
	require.NoError(t, err)

	resp, err := driver.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.Result)

	info, err := os.Stat(filepath.Join(dir, "d"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestPathTraversalIsFatal(t *testing.T) {
	w, driver, _ := newTestWriter(t)
	done := make(chan error, 1)
	go func() { done <- w.Serve() }()

	err := driver.WriteRequest(&protocol.Request{
		Op:    protocol.OpMkdir,
		Arg1:  0o755,
		Data1: []byte("../escape"),
	})
	require.NoError(t, err)

	serveErr := <-done
	var fatal *FatalError
	assert.ErrorAs(t, serveErr, &fatal)
}

func TestAbsolutePathIsFatal(t *testing.T) {
	w, driver, _ := newTestWriter(t)
	done := make(chan error, 1)
	go func() { done <- w.Serve() }()

	err := driver.WriteRequest(&protocol.Request{
		Op:    protocol.OpUnlink,
		Data1: []byte("/etc/passwd"),
	})
	require.NoError(t, err)

	serveErr := <-done
	var fatal *FatalError
	assert.ErrorAs(t, serveErr, &fatal)
}

func TestOpenWriteReadClose(t *testing.T) {
	w, driver, _ := newTestWriter(t)
	go w.Serve()

	err := driver.WriteRequest(&protocol.Request{
		Op:    protocol.OpOpen,
		Arg1:  0o644,
		Arg2:  uint64(unix.O_WRONLY | unix.O_CREAT),
		Data1: []byte("x"),
	})
	require.NoError(t, err)
	resp, err := driver.ReadResponse()
	require.NoError(t, err)
	require.GreaterOrEqual(t, resp.Result, int32(0))
	fd := uint64(resp.Result)

	err = driver.WriteRequest(&protocol.Request{
		Op:    protocol.OpWrite,
		Arg1:  fd,
		Arg2:  0,
		Data1: []byte("hello"),
	})
	require.NoError(t, err)
	resp, err = driver.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, int32(5), resp.Result)

	err = driver.WriteRequest(&protocol.Request{Op: protocol.OpClose, Arg1: fd})
	require.NoError(t, err)
	resp, err = driver.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.Result)

	// Re-open read-write this time so READ can be exercised on the same fd.
	err = driver.WriteRequest(&protocol.Request{
		Op:    protocol.OpOpen,
		Arg1:  0o644,
		Arg2:  uint64(unix.O_RDWR),
		Data1: []byte("x"),
	})
	require.NoError(t, err)
	resp, err = driver.ReadResponse()
	require.NoError(t, err)
	fd = uint64(resp.Result)

	err = driver.WriteRequest(&protocol.Request{
		Op:   protocol.OpRead,
		Arg1: fd,
		Arg2: 5,
		Arg3: 0,
	})
	require.NoError(t, err)
	resp, err = driver.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, int32(5), resp.Result)
	assert.Equal(t, []byte("hello"), resp.Data)
}

func TestReadUnknownFdFails(t *testing.T) {
	w, driver, _ := newTestWriter(t)
	go w.Serve()

	err := driver.WriteRequest(&protocol.Request{Op: protocol.OpRead, Arg1: 99, Arg2: 10})
	require.NoError(t, err)
	resp, err := driver.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, -int32(unix.EBADF), resp.Result)
}

func TestRenameThenAccessOldFails(t *testing.T) {
	w, driver, dir := newTestWriter(t)
	go w.Serve()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))

	err := driver.WriteRequest(&protocol.Request{
		Op:    protocol.OpRename,
		Arg1:  uint64(len("a")),
		Data1: []byte("ab"),
	})
	require.NoError(t, err)
	resp, err := driver.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.Result)

	_, statErr := os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(dir, "b"))
	assert.NoError(t, statErr)
}
