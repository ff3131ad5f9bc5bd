package cdnupload

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// DefaultHashLength is the number of hex digest chars embedded in keys.
	DefaultHashLength = 16

	// DefaultHashChunkSize is the read size used while hashing files.
	DefaultHashChunkSize = 64 * 1024

	// text detection looks for a NUL byte in at most this many leading bytes
	textDetectWindow = 8000
)

// TextMode controls line-ending normalization while hashing. In text mode
// every carriage return byte is stripped before hashing, so CRLF and LF
// checkouts of the same file produce the same digest.
type TextMode int

const (
	// DetectText treats a file as text when its leading bytes contain no NUL.
	DetectText TextMode = iota
	ForceText
	ForceBinary
)

// Source is the tree of files being uploaded: a key map builder plus a way
// for destinations to open individual files by relative path.
type Source interface {
	BuildKeyMap() (map[string]string, error)
	Open(relPath string) (io.ReadCloser, error)
	String() string
}

// FileSource reads files from a directory tree and derives a destination key
// for each from its content hash. Fields may be adjusted after NewFileSource
// but not once the source is in use.
type FileSource struct {
	Root             string
	Fs               afero.Fs
	DotNames         bool
	Include          []string
	Exclude          []string
	IgnoreWalkErrors bool
	FollowSymlinks   bool
	HashLength       int
	HashChunkSize    int
	NewHash          func() hash.Hash
	CacheKeyMap      bool
	Logger           log.FieldLogger

	cachedKeyMap map[string]string
}

// NewFileSource returns a FileSource for the given root directory with the
// default hash settings (SHA-1, 16 hex chars, 64 KiB chunks) and key map
// caching enabled.
func NewFileSource(root string) *FileSource {
	return &FileSource{
		Root:          root,
		Fs:            afero.NewOsFs(),
		HashLength:    DefaultHashLength,
		HashChunkSize: DefaultHashChunkSize,
		NewHash:       sha1.New,
		CacheKeyMap:   true,
		Logger:        log.StandardLogger(),
	}
}

func (s *FileSource) String() string { return s.Root }

// Open opens the file at the given slash-separated relative path.
func (s *FileSource) Open(relPath string) (io.ReadCloser, error) {
	return s.Fs.Open(filepath.Join(s.Root, filepath.FromSlash(relPath)))
}

// WalkFiles enumerates the relative paths of all files under Root, applying
// the dot-name, include and exclude rules. Paths use forward slashes on all
// platforms. An error reading Root itself is always returned; errors in
// subdirectories are skipped when IgnoreWalkErrors is set.
func (s *FileSource) WalkFiles() ([]string, error) {
	include, err := compileGlobs(s.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(s.Exclude)
	if err != nil {
		return nil, err
	}

	var relPaths []string
	yield := func(relPath string) {
		if len(include) != 0 && !matchAny(include, relPath) {
			return
		}
		if matchAny(exclude, relPath) {
			return
		}
		relPaths = append(relPaths, relPath)
	}
	walkErr := s.walkDir(s.Root, "", true, yield)
	if walkErr != nil {
		return nil, walkErr
	}
	return relPaths, nil
}

func (s *FileSource) walkDir(dir, rel string, isRoot bool, yield func(string)) error {
	entries, err := afero.ReadDir(s.Fs, dir)
	if err != nil {
		if isRoot || !s.IgnoreWalkErrors {
			return err
		}
		s.Logger.Warnf("ignoring error walking %s: %s", dir, err)
		return nil
	}

	for _, entry := range entries {
		name := entry.Name()
		if !s.DotNames && strings.HasPrefix(name, ".") {
			continue
		}
		entryRel := name
		if rel != "" {
			entryRel = rel + "/" + name
		}
		entryPath := filepath.Join(dir, name)

		isDir := entry.IsDir()
		if entry.Mode()&os.ModeSymlink != 0 {
			target, statErr := s.Fs.Stat(entryPath)
			if statErr != nil {
				// broken link, surface it as a file so hashing reports it
				yield(entryRel)
				continue
			}
			if target.IsDir() {
				if !s.FollowSymlinks {
					continue
				}
				isDir = true
			}
		}

		if isDir {
			if err := s.walkDir(entryPath, entryRel, false, yield); err != nil {
				return err
			}
			continue
		}
		yield(entryRel)
	}
	return nil
}

// HashFile reads the file at relPath in chunks and returns its content hash
// as a lowercase hex string.
func (s *FileSource) HashFile(relPath string, mode TextMode) (string, error) {
	f, err := s.Open(relPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := s.NewHash()
	buf := make([]byte, s.HashChunkSize)
	isText := mode == ForceText
	first := true
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			if first && mode == DetectText {
				window := chunk
				if len(window) > textDetectWindow {
					window = window[:textDetectWindow]
				}
				isText = bytes.IndexByte(window, 0) < 0
			}
			first = false
			if isText {
				chunk = bytes.ReplaceAll(chunk, []byte{'\r'}, nil)
			}
			hasher.Write(chunk)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// MakeKey converts a relative path and content hash into a destination key:
// the path's stem, an underscore, the first HashLength chars of the hash,
// then the extension. Backslashes are normalized to forward slashes so keys
// are identical across platforms.
func (s *FileSource) MakeKey(relPath, fileHash string) string {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	ext := path.Ext(relPath)
	stem := strings.TrimSuffix(relPath, ext)
	hashLength := s.HashLength
	if hashLength > len(fileHash) {
		hashLength = len(fileHash)
	}
	return stem + "_" + fileHash[:hashLength] + ext
}

// BuildKeyMap walks the source tree and returns the mapping from relative
// path to destination key. When CacheKeyMap is set (the default) the first
// successful result is reused by later calls; use Invalidate to force a
// re-walk. Failures are returned as *SourceError and no partial map is kept.
func (s *FileSource) BuildKeyMap() (map[string]string, error) {
	if s.CacheKeyMap && s.cachedKeyMap != nil {
		return s.cachedKeyMap, nil
	}

	relPaths, err := s.WalkFiles()
	if err != nil {
		return nil, &SourceError{Err: err}
	}
	keyMap := make(map[string]string, len(relPaths))
	for _, relPath := range relPaths {
		fileHash, hashErr := s.HashFile(relPath, DetectText)
		if hashErr != nil {
			return nil, &SourceError{Err: hashErr}
		}
		keyMap[relPath] = s.MakeKey(relPath, fileHash)
	}

	if s.CacheKeyMap {
		s.cachedKeyMap = keyMap
	}
	return keyMap, nil
}

// Invalidate drops the cached key map so the next BuildKeyMap call re-walks
// and re-hashes the tree.
func (s *FileSource) Invalidate() { s.cachedKeyMap = nil }

// compileGlobs compiles shell-glob patterns. Patterns match against the
// whole slash-normalized relative path, and * crosses directory separators.
func compileGlobs(patterns []string) ([]glob.Glob, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, relPath string) bool {
	for _, g := range globs {
		if g.Match(relPath) {
			return true
		}
	}
	return false
}
