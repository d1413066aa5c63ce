// Package vpk reads and writes Valve pak (VPK) containers: a header, a
// directory tree grouped by extension, path and filename, and the entry data.
package vpk

import (
	"errors"
	"path"
	"strings"
)

const (
	// Signature is the little-endian magic at the start of every VPK header.
	Signature uint32 = 0x55aa1234

	// InlineArchive marks entries whose bytes follow the tree in the same file.
	InlineArchive uint16 = 0x7fff

	entryTerminator uint16 = 0xffff
	headerSizeV1           = 12
	headerSizeV2           = 28
	entryRecordSize        = 18

	// emptyComponent stands in for a missing extension or root directory.
	emptyComponent = " "
)

var (
	// ErrCorrupt is returned when the header or tree is inconsistent with the file.
	ErrCorrupt = errors.New("vpk: corrupt container")
	// ErrChecksum is returned when CRC verification is enabled and an entry does not match.
	ErrChecksum = errors.New("vpk: checksum mismatch")
	// ErrTooLarge is returned when an entry or data section cannot be addressed with 32-bit offsets.
	ErrTooLarge = errors.New("vpk: data exceeds 32-bit addressing")
)

// Entry is one logical file recorded in the tree.
type Entry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	CRC  uint32 `json:"crc"`

	ArchiveIndex  uint16 `json:"archive_index"`
	Offset        uint32 `json:"offset"`
	Length        uint32 `json:"length"`
	PreloadOffset int64  `json:"-"`
	PreloadSize   uint16 `json:"preload_size"`
}

// Inline reports whether the entry data lives in the directory file itself.
func (e Entry) Inline() bool {
	return e.ArchiveIndex == InlineArchive
}

// joinPath rebuilds the logical path from the three tree components.
func joinPath(dir, name, ext string) string {
	file := name
	if ext != emptyComponent && ext != "" {
		file = name + "." + ext
	}
	if dir == emptyComponent || dir == "" {
		return file
	}
	return path.Join(dir, file)
}

// splitPath is the inverse of joinPath for writer input.
func splitPath(rel string) (dir, name, ext string) {
	dir, file := path.Split(rel)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = emptyComponent
	}
	name = file
	ext = emptyComponent
	if idx := strings.LastIndexByte(file, '.'); idx > 0 && idx < len(file)-1 {
		name = file[:idx]
		ext = file[idx+1:]
	}
	return dir, name, ext
}
