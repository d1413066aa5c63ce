package vpk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BuildStats summarises a written container.
type BuildStats struct {
	Entries  int   `json:"entries"`
	TreeSize int64 `json:"tree_size"`
	DataSize int64 `json:"data_size"`
	Size     int64 `json:"size"`
}

type sourceFile struct {
	rel    string
	abs    string
	dir    string
	name   string
	ext    string
	size   int64
	crc    uint32
	offset uint32
}

// tree holds files grouped ext -> dir -> files, every level sorted.
type tree struct {
	exts []string
	dirs map[string][]string
	// files is keyed by ext then dir.
	files map[string]map[string][]*sourceFile
}

// BuildFile writes a version 1 container for sourceRoot to dest. dest is removed on failure.
func BuildFile(sourceRoot, dest string) (stats BuildStats, err error) {
	f, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return BuildStats{}, fmt.Errorf("create %q: %w", dest, err)
	}
	defer func() {
		if err != nil {
			os.Remove(dest)
		}
	}()

	stats, err = Build(sourceRoot, f)
	if err != nil {
		f.Close()
		return BuildStats{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return BuildStats{}, fmt.Errorf("sync %q: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return BuildStats{}, fmt.Errorf("close %q: %w", dest, err)
	}
	return stats, nil
}

// Build writes a single-file version 1 container holding every regular file below sourceRoot.
// The header tree length is patched after the tree is written, so w must support seeking.
func Build(sourceRoot string, w io.WriteSeeker) (BuildStats, error) {
	files, err := collect(sourceRoot)
	if err != nil {
		return BuildStats{}, err
	}
	t := group(files)

	// Offsets follow tree order so the data section reads back in the same order.
	var dataSize int64
	for _, f := range t.ordered() {
		if dataSize > math.MaxUint32 || f.size > math.MaxUint32 {
			return BuildStats{}, fmt.Errorf("%w: %s", ErrTooLarge, f.rel)
		}
		f.offset = uint32(dataSize)
		dataSize += f.size
	}

	start, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return BuildStats{}, fmt.Errorf("locate header: %w", err)
	}

	bw := bufio.NewWriter(w)
	var header [headerSizeV1]byte
	binary.LittleEndian.PutUint32(header[0:4], Signature)
	binary.LittleEndian.PutUint32(header[4:8], 1)
	if _, err := bw.Write(header[:]); err != nil {
		return BuildStats{}, fmt.Errorf("write header: %w", err)
	}

	cw := &countingWriter{w: bw}
	if err := t.writeTo(cw); err != nil {
		return BuildStats{}, fmt.Errorf("write tree: %w", err)
	}
	if cw.n != t.size() {
		return BuildStats{}, fmt.Errorf("tree serialised to %d bytes, expected %d", cw.n, t.size())
	}
	if cw.n > math.MaxUint32 {
		return BuildStats{}, fmt.Errorf("%w: tree of %d bytes", ErrTooLarge, cw.n)
	}
	if err := bw.Flush(); err != nil {
		return BuildStats{}, fmt.Errorf("flush tree: %w", err)
	}

	if _, err := w.Seek(start+8, io.SeekStart); err != nil {
		return BuildStats{}, fmt.Errorf("seek to tree length: %w", err)
	}
	var treeLen [4]byte
	binary.LittleEndian.PutUint32(treeLen[:], uint32(cw.n))
	if _, err := w.Write(treeLen[:]); err != nil {
		return BuildStats{}, fmt.Errorf("patch tree length: %w", err)
	}
	if _, err := w.Seek(0, io.SeekEnd); err != nil {
		return BuildStats{}, fmt.Errorf("seek to data section: %w", err)
	}

	for _, f := range t.ordered() {
		if err := appendData(w, f); err != nil {
			return BuildStats{}, err
		}
	}

	return BuildStats{
		Entries:  len(files),
		TreeSize: cw.n,
		DataSize: dataSize,
		Size:     headerSizeV1 + cw.n + dataSize,
	}, nil
}

func collect(root string) ([]*sourceFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %q is not a directory", root)
	}

	var files []*sourceFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		if strings.ContainsRune(rel, 0) {
			return fmt.Errorf("invalid file name %q", rel)
		}

		crc, size, err := checksum(p)
		if err != nil {
			return err
		}
		dir, name, ext := splitPath(rel)
		files = append(files, &sourceFile{
			rel:  rel,
			abs:  p,
			dir:  dir,
			name: name,
			ext:  ext,
			size: size,
			crc:  crc,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func checksum(p string) (uint32, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, 0, fmt.Errorf("open %q: %w", p, err)
	}
	defer f.Close()

	h := crc32.NewIEEE()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, fmt.Errorf("read %q: %w", p, err)
	}
	return h.Sum32(), n, nil
}

func appendData(w io.Writer, f *sourceFile) error {
	src, err := os.Open(f.abs)
	if err != nil {
		return fmt.Errorf("open %q: %w", f.abs, err)
	}
	defer src.Close()

	n, err := io.Copy(w, io.LimitReader(src, f.size))
	if err != nil {
		return fmt.Errorf("copy %q: %w", f.rel, err)
	}
	if n != f.size {
		return fmt.Errorf("copy %q: source shrank from %d to %d bytes", f.rel, f.size, n)
	}
	return nil
}

func group(files []*sourceFile) *tree {
	t := &tree{
		dirs:  map[string][]string{},
		files: map[string]map[string][]*sourceFile{},
	}
	for _, f := range files {
		byDir, ok := t.files[f.ext]
		if !ok {
			byDir = map[string][]*sourceFile{}
			t.files[f.ext] = byDir
			t.exts = append(t.exts, f.ext)
		}
		if _, ok := byDir[f.dir]; !ok {
			t.dirs[f.ext] = append(t.dirs[f.ext], f.dir)
		}
		byDir[f.dir] = append(byDir[f.dir], f)
	}

	sort.Strings(t.exts)
	for ext, dirs := range t.dirs {
		sort.Strings(dirs)
		for _, dir := range dirs {
			list := t.files[ext][dir]
			sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
		}
	}
	return t
}

func (t *tree) ordered() []*sourceFile {
	var out []*sourceFile
	for _, ext := range t.exts {
		for _, dir := range t.dirs[ext] {
			out = append(out, t.files[ext][dir]...)
		}
	}
	return out
}

// size is the exact serialised tree length: every string carries a NUL and
// each ext, dir and file list is closed by an empty string.
func (t *tree) size() int64 {
	var n int64
	for _, ext := range t.exts {
		n += int64(len(ext)) + 1
		for _, dir := range t.dirs[ext] {
			n += int64(len(dir)) + 1
			for _, f := range t.files[ext][dir] {
				n += int64(len(f.name)) + 1 + entryRecordSize
			}
			n++
		}
		n++
	}
	return n + 1
}

func (t *tree) writeTo(w io.Writer) error {
	var rec [entryRecordSize]byte
	for _, ext := range t.exts {
		if err := writeString(w, ext); err != nil {
			return err
		}
		for _, dir := range t.dirs[ext] {
			if err := writeString(w, dir); err != nil {
				return err
			}
			for _, f := range t.files[ext][dir] {
				if err := writeString(w, f.name); err != nil {
					return err
				}
				binary.LittleEndian.PutUint32(rec[0:4], f.crc)
				binary.LittleEndian.PutUint16(rec[4:6], 0)
				binary.LittleEndian.PutUint16(rec[6:8], InlineArchive)
				binary.LittleEndian.PutUint32(rec[8:12], f.offset)
				binary.LittleEndian.PutUint32(rec[12:16], uint32(f.size))
				binary.LittleEndian.PutUint16(rec[16:18], entryTerminator)
				if _, err := w.Write(rec[:]); err != nil {
					return err
				}
			}
			if err := writeString(w, ""); err != nil {
				return err
			}
		}
		if err := writeString(w, ""); err != nil {
			return err
		}
	}
	return writeString(w, "")
}

func writeString(w io.Writer, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return errors.New("tree strings must not contain NUL")
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
