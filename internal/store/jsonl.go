// internal/store/jsonl.go
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Rotation knobs are variables so tests can shrink them.
var (
	MaxLinesPerFile = 4096
	MaxBytesPerFile = 4 << 20
	MaxRotations    = 3
)

const maxScanSize = 2 << 20

func newScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL appends one record as a JSON line, rotating the file when it
// grows past the configured limits. The write is fsynced before return so a
// crash immediately after cannot lose the record.
func AppendJSONL(path string, rec any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfNeeded(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return syncFile(f)
}

// ScanJSONL calls fn for every decodable line across the live file and its
// rotations, oldest first. Undecodable lines are skipped.
func ScanJSONL(path string, fn func(line []byte) error) error {
	for _, p := range ScanPaths(path) {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sc := newScanner(f)
		for sc.Scan() {
			line := make([]byte, len(sc.Bytes()))
			copy(line, sc.Bytes())
			if err := fn(line); err != nil {
				_ = f.Close()
				return err
			}
		}
		if err := sc.Err(); err != nil {
			_ = f.Close()
			return err
		}
		_ = f.Close()
	}
	return nil
}

// ReadJSONL decodes every line of type T across the file and its rotations,
// oldest first.
func ReadJSONL[T any](path string) ([]T, error) {
	var out []T
	err := ScanJSONL(path, func(line []byte) error {
		var rec T
		if err := json.Unmarshal(line, &rec); err == nil {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// RewriteJSONL atomically replaces the file (and drops rotations) with the
// given records. Used for compaction after status rewrites.
func RewriteJSONL[T any](path string, recs []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	for i := 1; i <= MaxRotations; i++ {
		_ = os.Remove(fmt.Sprintf("%s.%d", path, i))
	}
	syncDir(path)
	return nil
}

// ScanPaths returns the rotation chain for path, oldest first.
func ScanPaths(path string) []string {
	out := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		out = append(out, fmt.Sprintf("%s.%d", path, i))
	}
	return append(out, path)
}

func rotateIfNeeded(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Size() < int64(MaxBytesPerFile) {
		lines, err := countLines(path)
		if err != nil {
			return err
		}
		if lines < MaxLinesPerFile {
			return nil
		}
	}
	_ = os.Remove(fmt.Sprintf("%s.%d", path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", path, i+1))
		}
	}
	return os.Rename(path, path+".1")
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	sc := newScanner(f)
	n := 0
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
