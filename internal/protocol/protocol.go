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

// Package protocol implements the revokefs wire format: a framed
// request/response protocol carried over a single SOCK_SEQPACKET control
// socket between the Reader and the Writer. Each request or response is
// exactly one datagram, built from up to three fixed-position iovecs and
// sent with a single writev so the kernel never splits it.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// errEOF is returned by ReadRequest when the Reader has closed its end of
// the control socket (a zero-length read).
var errEOF = io.EOF

// Op identifies the mutating operation a Request carries. Ops are dense,
// starting at zero, so the Writer's dispatch table can be a plain array.
type Op uint32

const (
	OpMkdir Op = iota
	OpRmdir
	OpUnlink
	OpSymlink
	OpLink
	OpRename
	OpChmod
	OpChown
	OpTruncate
	OpUtimens
	OpOpen
	OpRead
	OpWrite
	OpFsync
	OpClose
	OpAccess
	opCount
)

func (op Op) String() string {
	names := [...]string{
		"MKDIR", "RMDIR", "UNLINK", "SYMLINK", "LINK", "RENAME", "CHMOD",
		"CHOWN", "TRUNCATE", "UTIMENS", "OPEN", "READ", "WRITE", "FSYNC",
		"CLOSE", "ACCESS",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// Valid reports whether op is one of the dense, known op codes.
func (op Op) Valid() bool {
	return op < opCount
}

// MaxDataSize bounds both the request payload and the response payload.
const MaxDataSize = 16 * 1024

// RequestHeaderSize is the wire size of a marshaled request header:
// u32 op, u64 arg1, u64 arg2, u64 arg3.
const RequestHeaderSize = 4 + 8 + 8 + 8

// ResponseHeaderSize is the wire size of a marshaled response header: i32 result.
const ResponseHeaderSize = 4

// Request is one framed request sent by the Reader to the Writer.
//
// Data1 and Data2 are sent back to back as one payload; Data2 may be left
// empty, and ReadRequest returns the whole payload in Data1. When an op
// carries two path arguments (from/to), Arg1 carries the byte length of the
// first path, per the wire layout in spec §3.
type Request struct {
	Op               Op
	Arg1, Arg2, Arg3 uint64
	Data1, Data2     []byte
}

func (r *Request) payloadLen() int {
	return len(r.Data1) + len(r.Data2)
}

func marshalHeader(op uint32, arg1, arg2, arg3 uint64) []byte {
	b := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], op)
	binary.LittleEndian.PutUint64(b[4:12], arg1)
	binary.LittleEndian.PutUint64(b[12:20], arg2)
	binary.LittleEndian.PutUint64(b[20:28], arg3)
	return b
}

// Response is one framed response sent by the Writer back to the Reader.
//
// Result is non-negative for an operation-specific value (bytes
// read/written, a new fd) or a negated errno on failure. Data is only
// populated for a READ response.
type Response struct {
	Result int32
	Data   []byte
}

func marshalResultHeader(result int32) []byte {
	b := make([]byte, ResponseHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(result))
	return b
}

// Conn is one end of the control socket: a raw SOCK_SEQPACKET fd, framed
// with writev/readv so each call moves exactly one datagram.
type Conn struct {
	fd int
}

// NewConn wraps an already-connected SOCK_SEQPACKET fd.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd returns the underlying file descriptor, e.g. to pass to unix.Shutdown.
func (c *Conn) Fd() int {
	return c.fd
}

// Close closes the underlying fd.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// WriteRequest sends req as a single writev of up to three iovecs: header,
// Data1, Data2 (the last two omitted from the vector when empty, but the
// payload size exceeding MaxDataSize is always rejected before any syscall).
func (c *Conn) WriteRequest(req *Request) error {
	if req.payloadLen() > MaxDataSize {
		return fmt.Errorf("protocol: request payload %d exceeds MaxDataSize", req.payloadLen())
	}

	header := marshalHeader(uint32(req.Op), req.Arg1, req.Arg2, req.Arg3)
	iovs := [][]byte{header}
	if len(req.Data1) > 0 {
		iovs = append(iovs, req.Data1)
	}
	if len(req.Data2) > 0 {
		iovs = append(iovs, req.Data2)
	}

	return writevFull(c.fd, iovs, RequestHeaderSize+req.payloadLen())
}

// ReadRequest reads exactly one request datagram (the Writer's side of the
// socket). A zero-length read signals the Reader has gone; io.EOF is
// returned in that case.
func (c *Conn) ReadRequest() (*Request, error) {
	header := make([]byte, RequestHeaderSize)
	data := make([]byte, MaxDataSize)

	n, err := readvInto(c.fd, [][]byte{header, data})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errEOF
	}
	if n < RequestHeaderSize {
		return nil, fmt.Errorf("protocol: short request frame: %d bytes", n)
	}

	op := Op(binary.LittleEndian.Uint32(header[0:4]))
	arg1 := binary.LittleEndian.Uint64(header[4:12])
	arg2 := binary.LittleEndian.Uint64(header[12:20])
	arg3 := binary.LittleEndian.Uint64(header[20:28])

	payload := data[:n-RequestHeaderSize]

	return &Request{Op: op, Arg1: arg1, Arg2: arg2, Arg3: arg3, Data1: payload}, nil
}

// WriteResponse sends resp as a single writev of up to two iovecs: header,
// then Data (only ever populated for a READ response).
func (c *Conn) WriteResponse(resp *Response) error {
	if len(resp.Data) > MaxDataSize {
		return fmt.Errorf("protocol: response payload %d exceeds MaxDataSize", len(resp.Data))
	}

	header := marshalResultHeader(resp.Result)
	iovs := [][]byte{header}
	if len(resp.Data) > 0 {
		iovs = append(iovs, resp.Data)
	}

	return writevFull(c.fd, iovs, ResponseHeaderSize+len(resp.Data))
}

// ReadResponse reads exactly one response datagram (the Reader's side of the
// socket).
func (c *Conn) ReadResponse() (*Response, error) {
	header := make([]byte, ResponseHeaderSize)
	data := make([]byte, MaxDataSize)

	n, err := readvInto(c.fd, [][]byte{header, data})
	if err != nil {
		return nil, err
	}
	if n < ResponseHeaderSize {
		return nil, fmt.Errorf("protocol: short response frame: %d bytes", n)
	}

	result := int32(binary.LittleEndian.Uint32(header[0:4]))
	payload := data[:n-ResponseHeaderSize]

	return &Response{Result: result, Data: payload}, nil
}

func writevFull(fd int, iovs [][]byte, want int) error {
	n, err := unix.Writev(fd, iovs)
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("protocol: short writev: wrote %d of %d bytes", n, want)
	}
	return nil
}

func readvInto(fd int, iovs [][]byte) (int, error) {
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	return n, nil
}
