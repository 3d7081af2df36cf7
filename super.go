package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"sync"
)

var _ io.Closer = (*Superblock)(nil)

// https://dr-emann.github.io/squashfs/
type Superblock struct {
	fs    io.ReaderAt
	order binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              SquashComp
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	// inoOfft lets a caller remap inode numbers reported to fs.FS consumers,
	// set via the InodeOffset Option.
	inoOfft uint64

	rootIno  *Inode
	rootInoN uint64

	inoIdxL sync.RWMutex
	inoIdx  map[uint32]inodeRef

	idTableL   sync.Once
	idTableV   []uint32
	idTableErr error

	exportL   sync.Once
	exportV   []inodeRef
	exportErr error

	xattrL   sync.Once
	xattrV   *xattrTable
	xattrErr error

	closer io.Closer
}

const squashMagic = 0x73717368 // "hsqs" little-endian

// New parses a SquashFS superblock from fsys and resolves its root inode,
// the same as Open but for a caller that already has an io.ReaderAt instead
// of a path (e.g. an in-memory image, or a file opened with custom flags).
func New(fsys io.ReaderAt) (*Superblock, error) {
	sb, err := NewWithOptions(fsys)
	if err != nil {
		return nil, err
	}
	if err := sb.loadRoot(); err != nil {
		return nil, err
	}
	return sb, nil
}

// NewWithOptions parses a SquashFS superblock from fsys and applies opts,
// but does not resolve the root inode. Most callers want Open, which also
// loads the root inode so fs.FS operations work immediately.
func NewWithOptions(fsys io.ReaderAt, opts ...Option) (*Superblock, error) {
	sb := &Superblock{fs: fsys, inoIdx: make(map[uint32]inodeRef)}
	head := make([]byte, sb.binarySize())

	_, err := fsys.ReadAt(head, 0)
	if err != nil {
		return nil, wrapErr(Io, "read-superblock", err)
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(sb); err != nil {
			return nil, wrapErr(Internal, "apply-option", err)
		}
	}

	return sb, nil
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < s.binarySize() {
		return wrapErr(CorruptedHeader, "unmarshal-superblock", io.ErrUnexpectedEOF)
	}

	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	r := bytes.NewReader(data)

	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return wrapErr(CorruptedHeader, "unmarshal-superblock", ErrInvalidFile)
	}

	var err error
	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		err = binary.Read(r, s.order, v.Field(i).Addr().Interface())
		if err != nil {
			return wrapErr(CorruptedHeader, "unmarshal-superblock", err)
		}
	}

	return s.validate()
}

// validate enforces the invariant chain from the data model: version must be
// 4.0, block size must be a power of two matching block_log, and the table
// offsets must appear in the documented relative order (or be the
// "not present" sentinel 0xFFFFFFFFFFFFFFFF).
func (s *Superblock) validate() error {
	if s.VMajor != 4 || s.VMinor != 0 {
		return wrapErr(CorruptedHeader, "validate-superblock", ErrInvalidVersion)
	}
	if s.BlockSize == 0 || s.BlockSize&(s.BlockSize-1) != 0 {
		return wrapErr(CorruptedHeader, "validate-superblock", fmt.Errorf("block size %d is not a power of two", s.BlockSize))
	}
	if uint32(1)<<s.BlockLog != s.BlockSize {
		return wrapErr(CorruptedHeader, "validate-superblock", fmt.Errorf("block size %d does not match block log %d", s.BlockSize, s.BlockLog))
	}
	const noTable = 0xFFFFFFFFFFFFFFFF
	if s.InodeTableStart >= s.DirTableStart {
		return wrapErr(CorruptedHeader, "validate-superblock", fmt.Errorf("table offsets out of order"))
	}
	prev := s.DirTableStart
	for _, off := range []uint64{s.FragTableStart, s.ExportTableStart, s.IdTableStart, s.XattrIdTableStart} {
		if off == noTable {
			continue
		}
		if off < prev {
			return wrapErr(CorruptedHeader, "validate-superblock", fmt.Errorf("table offsets out of order"))
		}
		prev = off
	}
	return nil
}

// MarshalBinary writes the superblock in the same field order UnmarshalBinary
// reads it, always little-endian (hsqs), matching what Finalize produces.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}

	var buf bytes.Buffer
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()

	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		if err := binary.Write(&buf, order, v.Field(i).Interface()); err != nil {
			return nil, wrapErr(Internal, "marshal-superblock", err)
		}
	}
	return buf.Bytes(), nil
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	sz := uintptr(0)

	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		sz += v.Field(i).Type().Size()
	}
	return int(sz)
}

func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoIdxL.Lock()
	s.inoIdx[ino] = ref
	s.inoIdxL.Unlock()
}
