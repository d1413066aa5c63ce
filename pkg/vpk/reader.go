package vpk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"sync"
)

// ErrMissingArchive is returned when an entry lives in a side archive that cannot be opened.
var ErrMissingArchive = errors.New("vpk: side archive unavailable")

type options struct {
	verifyCRC bool
}

// Option configures how an Archive is read.
type Option func(*options)

// WithVerifyCRC toggles CRC32 verification of entry bytes on read.
func WithVerifyCRC(verify bool) Option {
	return func(o *options) {
		o.verifyCRC = verify
	}
}

// Archive is an open VPK directory file.
type Archive struct {
	path       string
	file       *os.File
	size       int64
	version    uint32
	headerSize int64
	treeSize   int64
	dataStart  int64
	opts       options

	sidesMu sync.Mutex
	sides   map[uint16]*os.File
}

// Open parses the header of the container at path and checks it against the file size.
func Open(path string, opts ...Option) (*Archive, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	a := &Archive{
		path:  path,
		file:  file,
		size:  info.Size(),
		opts:  o,
		sides: map[uint16]*os.File{},
	}
	if err := a.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) readHeader() error {
	var head [headerSizeV2]byte
	if a.size < headerSizeV1 {
		return fmt.Errorf("%w: %d bytes is shorter than a header", ErrCorrupt, a.size)
	}
	if _, err := a.file.ReadAt(head[:headerSizeV1], 0); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}
	if sig := binary.LittleEndian.Uint32(head[0:4]); sig != Signature {
		return fmt.Errorf("%w: bad signature %#x", ErrCorrupt, sig)
	}
	a.version = binary.LittleEndian.Uint32(head[4:8])
	a.treeSize = int64(binary.LittleEndian.Uint32(head[8:12]))

	var trailing int64
	switch a.version {
	case 1:
		a.headerSize = headerSizeV1
	case 2:
		a.headerSize = headerSizeV2
		if a.size < headerSizeV2 {
			return fmt.Errorf("%w: truncated v2 header", ErrCorrupt)
		}
		if _, err := a.file.ReadAt(head[headerSizeV1:headerSizeV2], headerSizeV1); err != nil {
			return fmt.Errorf("%w: read v2 header: %v", ErrCorrupt, err)
		}
		for off := headerSizeV1; off < headerSizeV2; off += 4 {
			trailing += int64(binary.LittleEndian.Uint32(head[off : off+4]))
		}
	default:
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, a.version)
	}

	if a.headerSize+a.treeSize+trailing > a.size {
		return fmt.Errorf("%w: header declares %d tree bytes but file has %d bytes", ErrCorrupt, a.treeSize, a.size)
	}
	a.dataStart = a.headerSize + a.treeSize
	return nil
}

// Version returns the header version (1 or 2).
func (a *Archive) Version() uint32 { return a.version }

// Size returns the size of the directory file in bytes.
func (a *Archive) Size() int64 { return a.size }

// TreeSize returns the declared tree length.
func (a *Archive) TreeSize() int64 { return a.treeSize }

// Close releases the directory file and any side archives.
func (a *Archive) Close() error {
	a.sidesMu.Lock()
	for idx, f := range a.sides {
		f.Close()
		delete(a.sides, idx)
	}
	a.sidesMu.Unlock()
	return a.file.Close()
}

// Entries returns an iterator over the tree in on-disk order.
func (a *Archive) Entries() *Iterator {
	section := io.NewSectionReader(a.file, a.headerSize, a.treeSize)
	return &Iterator{archive: a, r: bufio.NewReader(section)}
}

// List enumerates the whole tree.
func (a *Archive) List() ([]Entry, error) {
	var entries []Entry
	it := a.Entries()
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

// Open streams the bytes of e: preload data first, then the archived data.
func (a *Archive) Open(e Entry) (io.Reader, error) {
	readers := []io.Reader{io.NewSectionReader(a.file, e.PreloadOffset, int64(e.PreloadSize))}
	if e.Length > 0 {
		data, err := a.dataReader(e)
		if err != nil {
			return nil, err
		}
		readers = append(readers, data)
	}
	r := io.MultiReader(readers...)
	if a.opts.verifyCRC {
		r = &verifyingReader{r: r, h: crc32.NewIEEE(), want: e.CRC, path: e.Path}
	}
	return r, nil
}

// ReadEntry returns exactly e.Size bytes of entry content.
func (a *Archive) ReadEntry(e Entry) ([]byte, error) {
	r, err := a.Open(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, e.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, e.Path, err)
	}
	if a.opts.verifyCRC {
		// ReadFull stops at Size, so trigger the EOF check explicitly.
		if _, err := r.Read(make([]byte, 1)); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	return buf, nil
}

func (a *Archive) dataReader(e Entry) (io.Reader, error) {
	if e.Inline() {
		return io.NewSectionReader(a.file, a.dataStart+int64(e.Offset), int64(e.Length)), nil
	}

	side, err := a.side(e.ArchiveIndex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Path, err)
	}
	info, err := side.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive %d: %w", e.ArchiveIndex, err)
	}
	if int64(e.Offset)+int64(e.Length) > info.Size() {
		return nil, fmt.Errorf("%w: %s extends past archive %d", ErrCorrupt, e.Path, e.ArchiveIndex)
	}
	return io.NewSectionReader(side, int64(e.Offset), int64(e.Length)), nil
}

func (a *Archive) side(idx uint16) (*os.File, error) {
	a.sidesMu.Lock()
	defer a.sidesMu.Unlock()

	if f, ok := a.sides[idx]; ok {
		return f, nil
	}
	if !strings.HasSuffix(a.path, "_dir.vpk") {
		return nil, fmt.Errorf("%w: archive %d referenced by a single-file container", ErrMissingArchive, idx)
	}
	name := fmt.Sprintf("%s_%03d.vpk", strings.TrimSuffix(a.path, "_dir.vpk"), idx)
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingArchive, err)
	}
	a.sides[idx] = f
	return f, nil
}

const (
	stateExt = iota
	stateDir
	stateFile
)

// Iterator walks the tree lazily. It is not safe for concurrent use.
type Iterator struct {
	archive *Archive
	r       *bufio.Reader
	pos     int64
	state   int
	ext     string
	dir     string
	err     error
}

// Next returns the next entry, or io.EOF once the tree terminator is reached.
func (it *Iterator) Next() (Entry, error) {
	if it.err != nil {
		return Entry{}, it.err
	}
	for {
		s, err := it.readString()
		if err != nil {
			return Entry{}, it.fail(err)
		}
		switch it.state {
		case stateExt:
			if s == "" {
				if it.pos != it.archive.treeSize {
					return Entry{}, it.fail(fmt.Errorf("%w: tree ends at %d, header declares %d", ErrCorrupt, it.pos, it.archive.treeSize))
				}
				it.err = io.EOF
				return Entry{}, io.EOF
			}
			it.ext = s
			it.state = stateDir
		case stateDir:
			if s == "" {
				it.state = stateExt
				continue
			}
			it.dir = s
			it.state = stateFile
		case stateFile:
			if s == "" {
				it.state = stateDir
				continue
			}
			e, err := it.readEntry(s)
			if err != nil {
				return Entry{}, it.fail(err)
			}
			return e, nil
		}
	}
}

func (it *Iterator) fail(err error) error {
	it.err = err
	return err
}

func (it *Iterator) readString() (string, error) {
	s, err := it.r.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("%w: truncated tree at offset %d", ErrCorrupt, it.pos)
	}
	it.pos += int64(len(s))
	return s[:len(s)-1], nil
}

func (it *Iterator) readEntry(name string) (Entry, error) {
	var rec [entryRecordSize]byte
	if _, err := io.ReadFull(it.r, rec[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated entry record at offset %d", ErrCorrupt, it.pos)
	}
	it.pos += entryRecordSize

	e := Entry{
		Path:         joinPath(it.dir, name, it.ext),
		CRC:          binary.LittleEndian.Uint32(rec[0:4]),
		PreloadSize:  binary.LittleEndian.Uint16(rec[4:6]),
		ArchiveIndex: binary.LittleEndian.Uint16(rec[6:8]),
		Offset:       binary.LittleEndian.Uint32(rec[8:12]),
		Length:       binary.LittleEndian.Uint32(rec[12:16]),
	}
	if term := binary.LittleEndian.Uint16(rec[16:18]); term != entryTerminator {
		return Entry{}, fmt.Errorf("%w: bad terminator %#x for %s", ErrCorrupt, term, e.Path)
	}

	e.PreloadOffset = it.archive.headerSize + it.pos
	if e.PreloadSize > 0 {
		if _, err := it.r.Discard(int(e.PreloadSize)); err != nil {
			return Entry{}, fmt.Errorf("%w: truncated preload for %s", ErrCorrupt, e.Path)
		}
		it.pos += int64(e.PreloadSize)
	}
	e.Size = int64(e.PreloadSize) + int64(e.Length)

	if e.Inline() && it.archive.dataStart+int64(e.Offset)+int64(e.Length) > it.archive.size {
		return Entry{}, fmt.Errorf("%w: %s extends past end of file", ErrCorrupt, e.Path)
	}
	return e, nil
}

type verifyingReader struct {
	r    io.Reader
	h    hash.Hash32
	want uint32
	path string
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.h.Write(p[:n])
	if errors.Is(err, io.EOF) && v.h.Sum32() != v.want {
		return n, fmt.Errorf("%w: %s", ErrChecksum, v.path)
	}
	return n, err
}
