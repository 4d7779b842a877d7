package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultBaseName  = "audio"
	defaultExtension = "raw"
	timestampLayout  = "20060102_150405"
)

// Naming derives output file paths for sessions:
// {DataDir}/{BaseName}_{YYYYMMDD_HHMMSS}_{id}.{Extension}
type Naming struct {
	DataDir   string
	BaseName  string
	Extension string
}

// ParsePattern builds a Naming from an output pattern such as "audio.raw".
// Only the file name part of the pattern is used; a pattern without an
// extension gets "raw".
func ParsePattern(dataDir, pattern string) Naming {
	n := Naming{DataDir: dataDir, BaseName: defaultBaseName, Extension: defaultExtension}

	name := filepath.Base(strings.TrimSpace(pattern))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return n
	}

	if i := strings.LastIndex(name, "."); i >= 0 {
		if base := name[:i]; base != "" {
			n.BaseName = base
		}
		if ext := name[i+1:]; ext != "" {
			n.Extension = ext
		}
		return n
	}

	n.BaseName = name
	return n
}

// Path returns the output path for session id started at t.
func (n Naming) Path(id uint64, t time.Time) string {
	name := fmt.Sprintf("%s_%s_%d.%s", n.BaseName, t.Format(timestampLayout), id, n.Extension)
	return filepath.Join(n.DataDir, name)
}

// ReplaceExt swaps the extension of path for ext.
func ReplaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + strings.TrimPrefix(ext, ".")
}
