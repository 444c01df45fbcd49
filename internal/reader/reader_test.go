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

package reader

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/flatpak/revokefs/internal/protocol"
	"github.com/flatpak/revokefs/internal/writer"
)

// newTestPair wires a Reader to a real Writer over a socketpair, both
// pinned to the same temp directory, so forwarded ops are exercised
// end-to-end rather than against a stub.
func newTestPair(t *testing.T) (*Reader, string) {
	t.Helper()
	dir := t.TempDir()

	readerFD, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(readerFD) })

	writerFD, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(writerFD) })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)

	w := writer.New(protocol.NewConn(fds[1]), writerFD)
	go w.Serve()

	r := New(readerFD, protocol.NewConn(fds[0]), uint32(os.Getuid()), uint32(os.Getgid()))
	return r, dir
}

func TestLookUpInodeAndGetAttributes(t *testing.T) {
	r, dir := newTestPair(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("data"), 0o644))

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "f"}
	require.NoError(t, r.LookUpInode(context.Background(), lookup))
	assert.Equal(t, uint64(4), lookup.Entry.Attributes.Size)

	attr := &fuseops.GetInodeAttributesOp{Inode: lookup.Entry.Child}
	require.NoError(t, r.GetInodeAttributes(context.Background(), attr))
	assert.Equal(t, uint64(4), attr.Attributes.Size)
}

func TestLookUpInodeMissingReturnsENOENT(t *testing.T) {
	r, _ := newTestPair(t)
	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	err := r.LookUpInode(context.Background(), lookup)
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestMkDirForwardsAndStripsSetuid(t *testing.T) {
	r, dir := newTestPair(t)

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: os.ModeDir | os.ModeSetuid | 0o755}
	require.NoError(t, r.MkDir(context.Background(), mk))

	info, err := os.Stat(filepath.Join(dir, "d"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.Equal(t, mk.Entry.Child, fuseops.InodeID(info.Sys().(*syscall.Stat_t).Ino))
}

func TestCreateWriteCloseThenReadBack(t *testing.T) {
	r, _ := newTestPair(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "x", Mode: 0o644}
	require.NoError(t, r.CreateFile(context.Background(), create))
	require.True(t, handleIsRemote(t, create.Handle))

	write := &fuseops.WriteFileOp{Handle: create.Handle, Offset: 0, Data: []byte("hello")}
	require.NoError(t, r.WriteFile(context.Background(), write))

	release := &fuseops.ReleaseFileHandleOp{Handle: create.Handle}
	require.NoError(t, r.ReleaseFileHandle(context.Background(), release))

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "x"}
	require.NoError(t, r.LookUpInode(context.Background(), lookup))

	open := &fuseops.OpenFileOp{Inode: lookup.Entry.Child, OpenFlags: uint32(unix.O_RDONLY)}
	require.NoError(t, r.OpenFile(context.Background(), open))

	buf := make([]byte, 5)
	read := &fuseops.ReadFileOp{Handle: open.Handle, Offset: 0, Dst: buf}
	require.NoError(t, r.ReadFile(context.Background(), read))
	assert.Equal(t, "hello", string(buf[:read.BytesRead]))
}

func TestRenameUpdatesCache(t *testing.T) {
	r, dir := newTestPair(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a"}
	require.NoError(t, r.LookUpInode(context.Background(), lookup))

	rename := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "a",
		NewParent: fuseops.RootInodeID, NewName: "b",
	}
	require.NoError(t, r.Rename(context.Background(), rename))

	attr := &fuseops.GetInodeAttributesOp{Inode: lookup.Entry.Child}
	require.NoError(t, r.GetInodeAttributes(context.Background(), attr))

	_, statErr := os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMkNodeIsReadOnly(t *testing.T) {
	r, _ := newTestPair(t)
	err := r.MkNode(context.Background(), &fuseops.MkNodeOp{Parent: fuseops.RootInodeID, Name: "dev"})
	assert.ErrorIs(t, err, unix.EROFS)
}

func TestXattrsAlwaysUnsupported(t *testing.T) {
	r, _ := newTestPair(t)
	err := r.GetXattr(context.Background(), &fuseops.GetXattrOp{})
	assert.ErrorIs(t, err, unix.ENOTSUP)
}

func handleIsRemote(t *testing.T, h fuseops.HandleID) bool {
	t.Helper()
	return uint64(h) >= (uint64(1)<<32 - 1)
}
