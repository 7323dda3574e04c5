// Package inode persists per-file metadata as fixed-size binary records in
// a shadow tree that mirrors the virtual hierarchy.
package inode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"fatoverlay/internal/alloc"
)

// RecordSize is the size of a persisted inode record.
const RecordSize = 32

var (
	recordMagic = [4]byte{'F', 'I', 'N', 'O'}

	// ErrBadRecord indicates a record that is truncated or not an inode
	ErrBadRecord = errors.New("malformed inode record")
)

// An Inode describes one regular file: where its block chain starts, how
// many bytes it holds, and when it was created and last written.
type Inode struct {
	FirstBlock alloc.Block
	Size       uint64
	CreateTime time.Time
	ModifyTime time.Time
}

// Zero returns the inode reported for a file without a usable record.
func Zero() Inode {
	return Inode{FirstBlock: alloc.NoBlock}
}

// IsZero reports whether n is the absent-record inode.
func (n Inode) IsZero() bool {
	return n.FirstBlock == alloc.NoBlock && n.Size == 0 && n.CreateTime.IsZero() && n.ModifyTime.IsZero()
}

// String returns a short description of the inode.
func (n Inode) String() string {
	return fmt.Sprintf("Inode{FirstBlock:%d,Size:%d,Created:%s,Modified:%s}",
		n.FirstBlock, n.Size, n.CreateTime.Format(time.RFC3339), n.ModifyTime.Format(time.RFC3339))
}

// record is the on-disk layout, little endian.
type record struct {
	Magic      [4]byte
	FirstBlock int32
	Size       uint64
	CreateTime int64 // Unix nanoseconds
	ModifyTime int64 // Unix nanoseconds
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MarshalBinary encodes n as a RecordSize-byte record.
func (n Inode) MarshalBinary() ([]byte, error) {
	rec := record{
		Magic:      recordMagic,
		FirstBlock: int32(n.FirstBlock),
		Size:       n.Size,
		CreateTime: unixNano(n.CreateTime),
		ModifyTime: unixNano(n.ModifyTime),
	}
	var buf bytes.Buffer
	buf.Grow(RecordSize)
	if err := binary.Write(&buf, binary.LittleEndian, &rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (n *Inode) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrBadRecord, len(data), RecordSize)
	}
	var rec record
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if rec.Magic != recordMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadRecord, rec.Magic[:])
	}
	*n = Inode{
		FirstBlock: alloc.Block(rec.FirstBlock),
		Size:       rec.Size,
		CreateTime: fromUnixNano(rec.CreateTime),
		ModifyTime: fromUnixNano(rec.ModifyTime),
	}
	return nil
}
