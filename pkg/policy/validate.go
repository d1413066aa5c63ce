package policy

import (
	"fmt"
	"math"
	"os"
	"strings"

	"vpkgate/pkg/vpk"
)

const (
	// HitSampleLimit caps blocked_hits and warned_hits in a Report.
	HitSampleLimit = 50
	// PathSampleLimit caps sample_files in a Report.
	PathSampleLimit = 20
)

// Report is the outcome of validating one container. It is stored verbatim with the artifact.
type Report struct {
	OK              bool     `json:"ok"`
	SizeBytes       int64    `json:"size_bytes"`
	SizeMB          float64  `json:"size_mb"`
	MaxSize         int64    `json:"max_size"`
	RequiredPresent []string `json:"required_present"`
	MissingRequired []string `json:"missing_required"`
	BlockedHits     []string `json:"blocked_hits"`
	BlockedCount    int      `json:"blocked_count"`
	WarnedHits      []string `json:"warned_hits"`
	WarnedCount     int      `json:"warned_count"`
	FileCount       int      `json:"file_count"`
	SampleFiles     []string `json:"sample_files"`
}

// Validate evaluates entry paths and the container size against p. It has no side effects.
func Validate(paths []string, size int64, p Policy) Report {
	normalized := make([]string, len(paths))
	for i, raw := range paths {
		normalized[i] = Normalize(raw)
	}

	r := Report{
		SizeBytes:       size,
		SizeMB:          math.Round(float64(size)/(1<<20)*100) / 100,
		MaxSize:         p.MaxSize,
		RequiredPresent: []string{},
		MissingRequired: []string{},
		BlockedHits:     []string{},
		WarnedHits:      []string{},
		FileCount:       len(normalized),
	}

	for _, name := range p.RequireFiles {
		req := strings.ToLower(name)
		if hasRequired(normalized, req) {
			r.RequiredPresent = append(r.RequiredPresent, req)
		} else {
			r.MissingRequired = append(r.MissingRequired, req)
		}
	}

	var blocked, warned []string
	for _, e := range normalized {
		if MatchAny(e, p.BlockGlobs) {
			blocked = append(blocked, e)
			continue
		}
		if MatchAny(e, p.WarnGlobs) {
			warned = append(warned, e)
		}
	}
	r.BlockedCount = len(blocked)
	r.WarnedCount = len(warned)

	r.OK = size <= p.MaxSize && len(r.MissingRequired) == 0 && len(blocked) == 0

	r.BlockedHits = append(r.BlockedHits, head(blocked, HitSampleLimit)...)
	r.WarnedHits = append(r.WarnedHits, head(warned, HitSampleLimit)...)
	r.SampleFiles = append([]string{}, head(normalized, PathSampleLimit)...)
	return r
}

// hasRequired matches at any depth: "addoninfo.txt" is satisfied by "sub/addoninfo.txt".
func hasRequired(entries []string, name string) bool {
	for _, e := range entries {
		if e == name || strings.HasSuffix(e, "/"+name) {
			return true
		}
	}
	return false
}

func head(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// ValidateArchive enumerates the container at filePath and validates it.
// A container that cannot be parsed returns an error wrapping vpk.ErrCorrupt.
func ValidateArchive(filePath string, p Policy, opts ...vpk.Option) (Report, []vpk.Entry, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return Report{}, nil, fmt.Errorf("stat %s: %w", filePath, err)
	}

	archive, err := vpk.Open(filePath, opts...)
	if err != nil {
		return Report{}, nil, err
	}
	defer archive.Close()

	entries, err := archive.List()
	if err != nil {
		return Report{}, nil, err
	}
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return Validate(paths, info.Size(), p), entries, nil
}
