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

// Package reader implements the unprivileged half of revokefs: a
// fuseutil.FileSystem that answers every read-only callback itself, against
// its own basefd, and forwards everything else to the Writer across the
// control socket.
package reader

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/flatpak/revokefs/internal/handle"
	"github.com/flatpak/revokefs/internal/logger"
	"github.com/flatpak/revokefs/internal/metrics"
	"github.com/flatpak/revokefs/internal/protocol"
)

// cacheTimeout is the entry/attribute lease handed to the kernel on every
// response. It is zero: the base tree is never cached internally, so there
// is no reason to promise the kernel a longer lease than the underlying
// tree itself offers.
const cacheTimeout = 0 * time.Second

type dirHandleState struct {
	fd      int
	entries []fuseops.Dirent
}

// Reader is the fuseutil.FileSystem implementation. Dependencies are set up
// once at construction; everything below mu is mutated as inodes are looked
// up, forgotten, and renamed.
type Reader struct {
	// Dependencies
	basefd   int
	uid, gid uint32

	connMu sync.Mutex
	conn   *protocol.Conn

	metrics *metrics.Metrics

	// Mutable state
	mu    sync.RWMutex
	paths map[fuseops.InodeID]string
	refs  map[fuseops.InodeID]uint64

	dirMu   sync.Mutex
	dirs    map[fuseops.HandleID]*dirHandleState
	nextDir fuseops.HandleID
}

// New constructs a Reader serving reads against basefd and forwarding
// mutations over conn. uid/gid are reported as the owner of every inode,
// so that a kernel enforcing default_permissions never itself blocks an
// operation the Writer would otherwise allow.
func New(basefd int, conn *protocol.Conn, uid, gid uint32) *Reader {
	return &Reader{
		basefd: basefd,
		uid:    uid,
		gid:    gid,
		conn:   conn,
		paths:  map[fuseops.InodeID]string{fuseops.RootInodeID: "."},
		refs:   map[fuseops.InodeID]uint64{fuseops.RootInodeID: 1},
		dirs:   make(map[fuseops.HandleID]*dirHandleState),
	}
}

// SetMetrics attaches the collectors ops should be reported against. Safe to
// leave unset; all recording calls are nil-safe.
func (r *Reader) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

var _ fuseutil.FileSystem = (*Reader)(nil)

// joinRel composes a child name under a cached parent path. The parent path
// is always already normalized (the root is stored as "."), which is the
// inode table's realization of path normalization at the path-addressed
// layer below.
func joinRel(parent, name string) string {
	if parent == "." {
		return name
	}
	return path.Join(parent, name)
}

func (r *Reader) pathFor(ino fuseops.InodeID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[ino]
	return p, ok
}

// intern records rel as the path for ino, bumping its lookup refcount. It is
// idempotent on path value: there are no per-path generation numbers, so
// re-interning the same ino at the same path is harmless.
func (r *Reader) intern(ino fuseops.InodeID, rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[ino] = rel
	r.refs[ino]++
}

// forget decrements ino's refcount by n, dropping it from the table once it
// reaches zero. The root is never forgotten.
func (r *Reader) forget(ino fuseops.InodeID, n uint64) {
	if ino == fuseops.RootInodeID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[ino] <= n {
		delete(r.refs, ino)
		delete(r.paths, ino)
		return
	}
	r.refs[ino] -= n
}

// rerootChildren rewrites every cached path with the prefix "from" (or
// "from/...") to the same suffix under "to", following a successful rename.
func (r *Reader) rerootChildren(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := from + "/"
	for ino, p := range r.paths {
		if p == from {
			r.paths[ino] = to
		} else if strings.HasPrefix(p, prefix) {
			r.paths[ino] = to + p[len(from):]
		}
	}
}

// forgetSubtree drops cached entries for rel and everything below it,
// following a successful RmDir/Unlink.
func (r *Reader) forgetSubtree(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := rel + "/"
	for ino, p := range r.paths {
		if ino == fuseops.RootInodeID {
			continue
		}
		if p == rel || strings.HasPrefix(p, prefix) {
			delete(r.paths, ino)
			delete(r.refs, ino)
		}
	}
}

func (r *Reader) statRel(rel string) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Fstatat(r.basefd, rel, &st, unix.AT_SYMLINK_NOFOLLOW)
	return st, err
}

// toAttributes converts a host stat buffer into fuseops attributes, folding
// in full rwx for the reported uid so default_permissions never itself
// vetoes an op the Writer would otherwise allow (see ACCESS in the wire
// protocol: the Writer, not the kernel, is the real gate).
func (r *Reader) toAttributes(st *unix.Stat_t) fuseops.InodeAttributes {
	mode := unixModeToGoMode(st.Mode) | 0o700
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint32(st.Nlink),
		Mode:  mode,
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Uid:   r.uid,
		Gid:   r.gid,
	}
}

func unixModeToGoMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0o777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	case unix.S_IFBLK:
		mode |= os.ModeDevice
	case unix.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	}
	return mode
}

// modeToWire reconstructs the raw permission-and-special-bits mode the
// Writer expects on the wire from a Go os.FileMode. The Writer, not the
// Reader, is responsible for stripping setuid/setgid/group-or-other-write —
// so the Reader must forward them intact rather than pre-sanitizing.
func modeToWire(m os.FileMode) uint32 {
	out := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		out |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		out |= 0o2000
	}
	return out
}

func direntType(m uint32) fuseops.DirentType {
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		return fuseops.DT_Directory
	case unix.S_IFLNK:
		return fuseops.DT_Link
	case unix.S_IFREG:
		return fuseops.DT_File
	default:
		return fuseops.DT_Unknown
	}
}

// errno converts a raw error (typically a unix.Errno) into a syscall.Errno,
// the form jacobsa/fuse recognizes as an operation-specific failure. Any
// other error type — in practice only a control-socket transport failure —
// becomes EIO.
func errno(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(unix.Errno); ok {
		return syscall.Errno(e)
	}
	return syscall.EIO
}

// roundTrip sends req to the Writer and returns its response, holding
// connMu across the full writev-then-readv exchange so concurrent Reader
// callbacks never interleave frames on the wire.
func (r *Reader) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	start := time.Now()
	if err := r.conn.WriteRequest(req); err != nil {
		logger.Errorf("reader: write request failed: %v", err)
		r.noteRevocation()
		return nil, syscall.EIO
	}
	resp, err := r.conn.ReadResponse()
	if err != nil {
		logger.Errorf("reader: read response failed: %v", err)
		r.noteRevocation()
		return nil, syscall.EIO
	}
	r.metrics.ObserveOp(req.Op.String(), start, resp.Result < 0)
	return resp, nil
}

// noteRevocation records a failed control-socket exchange, which is how a
// Writer that shut down or was killed (write access revoked) shows up here.
// A request that WriteRequest rejects before sending (payload over
// protocol.MaxDataSize) is counted as well.
func (r *Reader) noteRevocation() {
	if r.metrics != nil {
		r.metrics.Revocations.Inc()
	}
}

func resultErr(result int32) error {
	if result >= 0 {
		return nil
	}
	return syscall.Errno(-result)
}

func twoPathPayload(from, to string) (data []byte, arg1 uint64) {
	data = append([]byte(from), []byte(to)...)
	return data, uint64(len(from))
}

// --- fuseutil.FileSystem ------------------------------------------------

func (r *Reader) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	var st unix.Statfs_t
	if err := unix.Fstatfs(r.basefd, &st); err != nil {
		return errno(err)
	}
	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

func (r *Reader) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := r.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parent, op.Name)

	st, err := r.statRel(rel)
	if err != nil {
		return errno(err)
	}

	ino := fuseops.InodeID(st.Ino)
	r.intern(ino, rel)

	op.Entry = fuseops.ChildInodeEntry{
		Child:                ino,
		Attributes:           r.toAttributes(&st),
		AttributesExpiration: time.Now().Add(cacheTimeout),
		EntryExpiration:      time.Now().Add(cacheTimeout),
	}
	return nil
}

func (r *Reader) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	rel, ok := r.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	st, err := r.statRel(rel)
	if err != nil {
		return errno(err)
	}
	op.Attributes = r.toAttributes(&st)
	op.AttributesExpiration = time.Now().Add(cacheTimeout)
	return nil
}

func (r *Reader) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	rel, ok := r.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	if op.Size != nil {
		resp, err := r.roundTrip(&protocol.Request{
			Op:    protocol.OpTruncate,
			Arg1:  *op.Size,
			Data1: []byte(rel),
		})
		if err != nil {
			return err
		}
		if err := resultErr(resp.Result); err != nil {
			return err
		}
	}

	if op.Mode != nil {
		resp, err := r.roundTrip(&protocol.Request{
			Op:    protocol.OpChmod,
			Arg1:  uint64(modeToWire(*op.Mode)),
			Data1: []byte(rel),
		})
		if err != nil {
			return err
		}
		if err := resultErr(resp.Result); err != nil {
			return err
		}
	}

	if op.Uid != nil || op.Gid != nil {
		uidArg, gidArg := uint64(0xFFFFFFFF), uint64(0xFFFFFFFF)
		if op.Uid != nil {
			uidArg = uint64(*op.Uid)
		}
		if op.Gid != nil {
			gidArg = uint64(*op.Gid)
		}
		resp, err := r.roundTrip(&protocol.Request{
			Op:    protocol.OpChown,
			Arg1:  uidArg,
			Arg2:  gidArg,
			Data1: []byte(rel),
		})
		if err != nil {
			return err
		}
		if err := resultErr(resp.Result); err != nil {
			return err
		}
	}

	if op.Atime != nil || op.Mtime != nil {
		payload := append([]byte{}, []byte(rel)...)
		payload = append(payload, encodeTimespecs(op.Atime, op.Mtime)...)
		resp, err := r.roundTrip(&protocol.Request{
			Op:    protocol.OpUtimens,
			Arg1:  uint64(len(rel)),
			Data1: payload,
		})
		if err != nil {
			return err
		}
		if err := resultErr(resp.Result); err != nil {
			return err
		}
	}

	st, err := r.statRel(rel)
	if err != nil {
		return errno(err)
	}
	op.Attributes = r.toAttributes(&st)
	op.AttributesExpiration = time.Now().Add(cacheTimeout)
	return nil
}

// utimeOmit/utimeNow mirror <linux/stat.h>'s UTIME_OMIT/UTIME_NOW sentinels
// for the nanosecond field of a struct timespec passed to utimensat.
const (
	utimeNow  = (1 << 30) - 1
	utimeOmit = (1 << 30) - 2
)

func encodeTimespecs(atime, mtime *time.Time) []byte {
	buf := make([]byte, 32)
	putSpec := func(off int, t *time.Time) {
		if t == nil {
			putUint64(buf[off:], 0)
			putUint64(buf[off+8:], utimeOmit)
			return
		}
		putUint64(buf[off:], uint64(t.Unix()))
		putUint64(buf[off+8:], uint64(t.Nanosecond()))
	}
	putSpec(0, atime)
	putSpec(16, mtime)
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (r *Reader) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	r.forget(op.Inode, op.N)
	return nil
}

func (r *Reader) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		r.forget(e.Inode, e.N)
	}
	return nil
}

func (r *Reader) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := r.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parent, op.Name)

	resp, err := r.roundTrip(&protocol.Request{
		Op:    protocol.OpMkdir,
		Arg1:  uint64(modeToWire(op.Mode)),
		Data1: []byte(rel),
	})
	if err != nil {
		return err
	}
	if err := resultErr(resp.Result); err != nil {
		return err
	}

	return r.fillNewEntry(rel, &op.Entry)
}

// MkNode always fails: this filesystem never creates device nodes and has
// no write access to do so anyway.
func (r *Reader) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	return syscall.EROFS
}

func (r *Reader) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := r.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parent, op.Name)

	resp, err := r.roundTrip(&protocol.Request{
		Op:    protocol.OpOpen,
		Arg1:  uint64(modeToWire(op.Mode)),
		Arg2:  uint64(unix.O_CREAT | unix.O_RDWR),
		Data1: []byte(rel),
	})
	if err != nil {
		return err
	}
	if resp.Result < 0 {
		return resultErr(resp.Result)
	}

	op.Handle = fuseops.HandleID(handle.Remote(int(resp.Result)))
	return r.fillNewEntry(rel, &op.Entry)
}

func (r *Reader) fillNewEntry(rel string, entry *fuseops.ChildInodeEntry) error {
	st, err := r.statRel(rel)
	if err != nil {
		return errno(err)
	}
	ino := fuseops.InodeID(st.Ino)
	r.intern(ino, rel)
	*entry = fuseops.ChildInodeEntry{
		Child:                ino,
		Attributes:           r.toAttributes(&st),
		AttributesExpiration: time.Now().Add(cacheTimeout),
		EntryExpiration:      time.Now().Add(cacheTimeout),
	}
	return nil
}

func (r *Reader) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	from, ok := r.pathFor(op.Target)
	if !ok {
		return syscall.ENOENT
	}
	parent, ok := r.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	to := joinRel(parent, op.Name)

	data, arg1 := twoPathPayload(from, to)
	resp, err := r.roundTrip(&protocol.Request{Op: protocol.OpLink, Arg1: arg1, Data1: data})
	if err != nil {
		return err
	}
	if err := resultErr(resp.Result); err != nil {
		return err
	}

	return r.fillNewEntry(to, &op.Entry)
}

func (r *Reader) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, ok := r.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	to := joinRel(parent, op.Name)

	data, arg1 := twoPathPayload(op.Target, to)
	resp, err := r.roundTrip(&protocol.Request{Op: protocol.OpSymlink, Arg1: arg1, Data1: data})
	if err != nil {
		return err
	}
	if err := resultErr(resp.Result); err != nil {
		return err
	}

	// The Writer reported success; verify the link actually exists in the
	// base tree. A miss here means the Writer and Reader have diverged, and
	// there is no safe way to continue serving this tree.
	var st unix.Stat_t
	if statErr := unix.Fstatat(r.basefd, to, &st, unix.AT_SYMLINK_NOFOLLOW); statErr != nil {
		logger.Errorf("reader: symlink %q reported created but is missing: %v", to, statErr)
		panic("revokefs: reader/writer diverged after CreateSymlink")
	}

	return r.fillNewEntry(to, &op.Entry)
}

func (r *Reader) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := r.pathFor(op.OldParent)
	if !ok {
		return syscall.ENOENT
	}
	newParent, ok := r.pathFor(op.NewParent)
	if !ok {
		return syscall.ENOENT
	}
	from := joinRel(oldParent, op.OldName)
	to := joinRel(newParent, op.NewName)

	data, arg1 := twoPathPayload(from, to)
	resp, err := r.roundTrip(&protocol.Request{Op: protocol.OpRename, Arg1: arg1, Data1: data})
	if err != nil {
		return err
	}
	if err := resultErr(resp.Result); err != nil {
		return err
	}

	r.rerootChildren(from, to)
	return nil
}

func (r *Reader) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := r.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parent, op.Name)

	resp, err := r.roundTrip(&protocol.Request{Op: protocol.OpRmdir, Data1: []byte(rel)})
	if err != nil {
		return err
	}
	if err := resultErr(resp.Result); err != nil {
		return err
	}

	r.forgetSubtree(rel)
	return nil
}

func (r *Reader) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := r.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parent, op.Name)

	resp, err := r.roundTrip(&protocol.Request{Op: protocol.OpUnlink, Data1: []byte(rel)})
	if err != nil {
		return err
	}
	if err := resultErr(resp.Result); err != nil {
		return err
	}

	r.forgetSubtree(rel)
	return nil
}

func (r *Reader) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	rel, ok := r.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	var fd int
	var err error
	if op.Inode == fuseops.RootInodeID {
		fd, err = unix.Dup(r.basefd)
		if err == nil {
			unix.CloseOnExec(fd)
			_, err = unix.Seek(fd, 0, 0)
		}
	} else {
		fd, err = unix.Openat(r.basefd, rel, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	}
	if err != nil {
		return errno(err)
	}

	entries, err := readDirents(fd)
	if err != nil {
		unix.Close(fd)
		return errno(err)
	}

	r.dirMu.Lock()
	r.nextDir++
	h := r.nextDir
	r.dirs[h] = &dirHandleState{fd: fd, entries: entries}
	r.dirMu.Unlock()

	op.Handle = h
	return nil
}

// readDirents lists fd's contents through a dup'd *os.File (so closing it
// leaves the caller's fd open; the two share one file offset, which the
// listing advances) and stats each name relative to fd to fill in a real
// inode number and dirent type.
func readDirents(fd int) ([]fuseops.Dirent, error) {
	dupFD, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dupFD), "")
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	entries := make([]fuseops.Dirent, 0, len(names))
	offset := fuseops.DirOffset(1)
	for _, name := range names {
		var st unix.Stat_t
		typ := fuseops.DT_Unknown
		ino := fuseops.InodeID(0)
		if statErr := unix.Fstatat(fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); statErr == nil {
			typ = direntType(st.Mode)
			ino = fuseops.InodeID(st.Ino)
		}
		entries = append(entries, fuseops.Dirent{
			Offset: offset,
			Inode:  ino,
			Name:   name,
			Type:   typ,
		})
		offset++
	}
	return entries, nil
}

func (r *Reader) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	r.dirMu.Lock()
	dh, ok := r.dirs[op.Handle]
	r.dirMu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	n := 0
	idx := int(op.Offset)
	for idx < len(dh.entries) {
		written := fuseutil.WriteDirent(op.Dst[n:], dh.entries[idx])
		if written == 0 {
			break
		}
		n += written
		idx++
	}
	op.BytesRead = n
	return nil
}

// ReadDirPlus is not exercised: the base tree has no metadata expensive
// enough to amortize across a combined readdir+stat round trip, so it is
// left unimplemented rather than duplicating ReadDir's logic for no gain.
func (r *Reader) ReadDirPlus(ctx context.Context, op *fuseops.ReadDirPlusOp) error {
	return syscall.ENOSYS
}

func (r *Reader) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	r.dirMu.Lock()
	dh, ok := r.dirs[op.Handle]
	delete(r.dirs, op.Handle)
	r.dirMu.Unlock()
	if ok {
		unix.Close(dh.fd)
	}
	return nil
}

func (r *Reader) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	rel, ok := r.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	accMode := op.OpenFlags & uint32(unix.O_ACCMODE)
	if accMode == uint32(unix.O_RDONLY) {
		fd, err := unix.Openat(r.basefd, rel, unix.O_RDONLY, 0)
		if err != nil {
			return errno(err)
		}
		op.Handle = fuseops.HandleID(handle.Local(fd))
		return nil
	}

	resp, err := r.roundTrip(&protocol.Request{
		Op:    protocol.OpOpen,
		Arg2:  uint64(op.OpenFlags),
		Data1: []byte(rel),
	})
	if err != nil {
		return err
	}
	if resp.Result < 0 {
		return resultErr(resp.Result)
	}

	op.Handle = fuseops.HandleID(handle.Remote(int(resp.Result)))
	op.UseDirectIO = true
	return nil
}

func (r *Reader) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	h := handle.Handle(op.Handle)

	if !h.IsRemote() {
		n, err := unix.Pread(h.LocalFD(), op.Dst, op.Offset)
		if err != nil {
			return errno(err)
		}
		op.BytesRead = n
		return nil
	}

	size := uint64(len(op.Dst))
	if size > protocol.MaxDataSize {
		size = protocol.MaxDataSize
	}
	resp, err := r.roundTrip(&protocol.Request{
		Op:   protocol.OpRead,
		Arg1: uint64(h.RemoteFD()),
		Arg2: size,
		Arg3: uint64(op.Offset),
	})
	if err != nil {
		return err
	}
	if resp.Result < 0 {
		return resultErr(resp.Result)
	}
	op.BytesRead = copy(op.Dst, resp.Data)
	return nil
}

func (r *Reader) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	h := handle.Handle(op.Handle)
	if !h.IsRemote() {
		return syscall.EBADF
	}

	resp, err := r.roundTrip(&protocol.Request{
		Op:    protocol.OpWrite,
		Arg1:  uint64(h.RemoteFD()),
		Arg2:  uint64(op.Offset),
		Data1: op.Data,
	})
	if err != nil {
		return err
	}
	if resp.Result < 0 {
		return resultErr(resp.Result)
	}
	if int(resp.Result) != len(op.Data) {
		return syscall.EIO
	}
	return nil
}

func (r *Reader) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	h := handle.Handle(op.Handle)
	if !h.IsRemote() {
		return nil
	}
	resp, err := r.roundTrip(&protocol.Request{Op: protocol.OpFsync, Arg1: uint64(h.RemoteFD())})
	if err != nil {
		return err
	}
	return resultErr(resp.Result)
}

// FlushFile has no Writer-side analogue in the op table: SyncFile already
// covers the only durability point that matters.
func (r *Reader) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (r *Reader) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	h := handle.Handle(op.Handle)
	if !h.IsRemote() {
		return errno(unix.Close(h.LocalFD()))
	}
	resp, err := r.roundTrip(&protocol.Request{Op: protocol.OpClose, Arg1: uint64(h.RemoteFD())})
	if err != nil {
		return err
	}
	return resultErr(resp.Result)
}

func (r *Reader) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	rel, ok := r.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(r.basefd, rel, buf)
	if err != nil {
		return errno(err)
	}
	op.Target = string(buf[:n])
	return nil
}

func (r *Reader) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	return syscall.ENOTSUP
}

func (r *Reader) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	return syscall.ENOTSUP
}

func (r *Reader) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	return syscall.ENOTSUP
}

func (r *Reader) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	return syscall.ENOTSUP
}

// Fallocate has no Writer op of its own; revokefs never promised
// pre-allocation semantics so this is a flat ENOSYS rather than inventing a
// new Writer op.
func (r *Reader) Fallocate(ctx context.Context, op *fuseops.FallocateOp) error {
	return syscall.ENOSYS
}

// SyncFS is a no-op: there is no filesystem-wide dirty state tracked above
// what individual SyncFile calls already flush.
func (r *Reader) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	return nil
}

func (r *Reader) Destroy() {
	logger.Infof("reader: unmounted, shutting down")
}
