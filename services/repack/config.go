package repack

import (
	"time"

	"vpkgate/pkg/vpk"
)

// ServerKeepGlobs is the whitelist of entries a dedicated server needs.
var ServerKeepGlobs = []string{
	"maps/*.bsp",
	"maps/*.nav",
	"maps/*.txt",
	"maps/*.cfg",
	"maps/*.kv",
	"maps/*.lmp",
	"maps/*.ain",
	"addoninfo.txt",
}

// DefaultRemovedSampleLimit caps BuildReport.RemovedSample.
const DefaultRemovedSampleLimit = 200

// Config configures a single repackaging run.
type Config struct {
	// Source is the validated upload.
	Source string
	// Dest is the permanent path of the rebuilt container. It only appears once the build succeeded.
	Dest string
	// ScratchRoot is where the per-run scratch area is allocated.
	ScratchRoot string
	// Base seeds the scratch directory name.
	Base string
	// Keep overrides ServerKeepGlobs when non-empty.
	Keep               []string
	RemovedSampleLimit int
	ReadOptions        []vpk.Option
	Now                func() time.Time
}
