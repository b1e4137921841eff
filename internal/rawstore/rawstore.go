// Package rawstore persists raw HTML snapshots on disk so listings can be
// re-parsed without re-fetching. Snapshots live under <dir>/<property-id>/
// <timestamp>.html[.gz] and are pruned by age.
package rawstore

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Store writes and reads raw snapshots.
type Store struct {
	dir      string
	compress bool
	maxAge   time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Options configures a Store.
type Options struct {
	Dir        string
	Compress   bool
	MaxAgeDays int
}

// New creates a snapshot store rooted at opts.Dir.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, eris.New("rawstore: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "rawstore: create dir")
	}
	maxAge := time.Duration(opts.MaxAgeDays) * 24 * time.Hour
	return &Store{
		dir:      opts.Dir,
		compress: opts.Compress,
		maxAge:   maxAge,
		nowFunc:  time.Now,
	}, nil
}

// Save writes a snapshot for the property and returns its path.
func (s *Store) Save(propertyID string, html []byte) (string, error) {
	if propertyID == "" {
		return "", eris.New("rawstore: empty property id")
	}

	dir := filepath.Join(s.dir, propertyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "rawstore: create property dir")
	}

	name := strconv.FormatInt(s.nowFunc().UTC().UnixNano(), 10) + ".html"
	data := html
	if s.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(html); err != nil {
			return "", eris.Wrap(err, "rawstore: gzip write")
		}
		if err := gz.Close(); err != nil {
			return "", eris.Wrap(err, "rawstore: gzip close")
		}
		data = buf.Bytes()
		name += ".gz"
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrap(err, "rawstore: write snapshot")
	}
	return path, nil
}

// Latest returns the most recent snapshot for the property, transparently
// decompressing the gzip path.
func (s *Store) Latest(propertyID string) ([]byte, error) {
	dir := filepath.Join(s.dir, propertyID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "rawstore: read dir for %s", propertyID)
	}
	if len(entries) == 0 {
		return nil, eris.Errorf("rawstore: no snapshots for %s", propertyID)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	latest := names[len(names)-1]

	return s.read(filepath.Join(dir, latest))
}

func (s *Store) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "rawstore: open snapshot")
	}
	defer f.Close() //nolint:errcheck

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, eris.Wrap(err, "rawstore: gzip reader")
		}
		defer gz.Close() //nolint:errcheck
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "rawstore: read snapshot")
	}
	return data, nil
}

// Prune removes snapshots older than the configured retention and returns
// how many files were deleted. A zero max age disables pruning.
func (s *Store) Prune() (int, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.nowFunc().UTC().Add(-s.maxAge).UnixNano()

	var removed int
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		base := strings.TrimSuffix(strings.TrimSuffix(d.Name(), ".gz"), ".html")
		ts, parseErr := strconv.ParseInt(base, 10, 64)
		if parseErr != nil {
			// Not a snapshot file; leave it alone.
			return nil
		}
		if ts < cutoff {
			if rmErr := os.Remove(path); rmErr != nil {
				zap.L().Warn("rawstore: prune failed", zap.String("path", path), zap.Error(rmErr))
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, eris.Wrap(err, "rawstore: prune walk")
	}
	return removed, nil
}
