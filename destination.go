package cdnupload

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Destination is a store that holds uploaded files by key. Implementations
// exist for the local filesystem, S3 and GCS; test doubles implement the
// same interface.
type Destination interface {
	// Keys enumerates all keys currently stored at the destination.
	Keys() ([]string, error)

	// Upload stores the source file at relPath under the given key,
	// creating any parent structure as needed.
	Upload(key string, source Source, relPath string) error

	// Delete removes the object stored at key.
	Delete(key string) error

	// String describes the destination for logging.
	String() string
}

// DestinationFactory builds a Destination from a parsed destination URL.
type DestinationFactory func(u *url.URL) (Destination, error)

var (
	destinationsMu sync.RWMutex
	destinations   = make(map[string]DestinationFactory)
)

// RegisterDestination makes a destination factory available to
// NewDestination under the given URL scheme. Adapters in this package
// register themselves; embedding applications may add their own.
func RegisterDestination(scheme string, factory DestinationFactory) {
	destinationsMu.Lock()
	defer destinationsMu.Unlock()
	destinations[scheme] = factory
}

// NewDestination builds a Destination from a destination string. A plain
// path (no scheme) becomes a FileDestination; otherwise the scheme selects
// a registered factory, e.g. "s3://bucket/prefix" or "gs://bucket/prefix".
func NewDestination(rawURL string) (Destination, error) {
	if !strings.Contains(rawURL, "://") {
		return NewFileDestination(rawURL), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", rawURL, err)
	}
	destinationsMu.RLock()
	factory, ok := destinations[u.Scheme]
	destinationsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no destination registered for scheme %q", u.Scheme)
	}
	return factory(u)
}

// FileDestination stores keys as files under a local directory root.
type FileDestination struct {
	Root string
	Fs   afero.Fs
}

func NewFileDestination(root string) *FileDestination {
	return &FileDestination{Root: root, Fs: afero.NewOsFs()}
}

func (d *FileDestination) String() string { return d.Root }

// Keys walks the destination directory and returns all file paths relative
// to the root, slash-separated. A missing root means no keys yet.
func (d *FileDestination) Keys() ([]string, error) {
	if _, err := d.Fs.Stat(d.Root); os.IsNotExist(err) {
		return nil, nil
	}
	keys := make([]string, 0)
	err := afero.Walk(d.Fs, d.Root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(d.Root, p)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *FileDestination) Upload(key string, source Source, relPath string) error {
	src, err := source.Open(relPath)
	if err != nil {
		return err
	}
	defer src.Close()

	destPath := filepath.Join(d.Root, filepath.FromSlash(key))
	if err := d.Fs.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	dst, err := d.Fs.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (d *FileDestination) Delete(key string) error {
	return d.Fs.Remove(filepath.Join(d.Root, filepath.FromSlash(key)))
}
