package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidName is returned for upload filenames that are not a single-dot .vpk name.
var ErrInvalidName = errors.New("invalid container filename")

const (
	storedSuffix = "_server.vpk"
	containerExt = "vpk"
)

// NewStoredName derives a unique stored name from a content hash. Identical uploads get distinct names.
func NewStoredName(sha256Hex string) string {
	u := uuid.New()
	return fmt.Sprintf("%s_%x%s", sha256Hex, u[:4], storedSuffix)
}

// IsStoredName reports whether name has the shape produced by NewStoredName.
func IsStoredName(name string) bool {
	return strings.HasSuffix(name, storedSuffix) && !strings.HasPrefix(name, ".")
}

// BaseName validates an upload filename and returns the part before the extension.
// Directory components are stripped first; exactly one "." must remain and the
// extension must be "vpk" in any case.
func BaseName(filename string) (string, error) {
	name := filename
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if strings.Count(name, ".") != 1 {
		return "", fmt.Errorf("%w: %q must contain exactly one dot", ErrInvalidName, filename)
	}
	base, ext, _ := strings.Cut(name, ".")
	if !strings.EqualFold(ext, containerExt) {
		return "", fmt.Errorf("%w: %q is not a .vpk file", ErrInvalidName, filename)
	}
	if base == "" {
		return "", fmt.Errorf("%w: %q has an empty name", ErrInvalidName, filename)
	}
	return base, nil
}
