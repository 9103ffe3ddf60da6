package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Loader.
type Options struct {
	Dir string
	// BuiltinSkillsDir is searched after <Dir>/skills. Workspace skills win
	// on name clashes.
	BuiltinSkillsDir string
	Logger           *zerolog.Logger
	Now              func() time.Time
	// LookPath and Getenv resolve skill requirements; tests replace them.
	LookPath func(file string) (string, error)
	Getenv   func(key string) string
}

// Loader reads workspace files through an mtime-validated cache.
type Loader struct {
	dir      string
	builtin  string
	cache    *fileCache
	logger   zerolog.Logger
	now      func() time.Time
	lookPath func(string) (string, error)
	getenv   func(string) string
}

// NewLoader creates a loader rooted at opts.Dir.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("workspace directory is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	logger := log.With().Str("component", "workspace").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LookPath == nil {
		opts.LookPath = lookPath
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Loader{
		dir:      dir,
		builtin:  opts.BuiltinSkillsDir,
		cache:    newFileCache(),
		logger:   logger,
		now:      opts.Now,
		lookPath: opts.LookPath,
		getenv:   opts.Getenv,
	}, nil
}

// Dir returns the absolute workspace directory.
func (l *Loader) Dir() string { return l.dir }

// ReadFile loads a file relative to the workspace. Unchanged files are
// served from the cache.
func (l *Loader) ReadFile(rel string) (*File, error) {
	path, err := l.resolve(rel)
	if err != nil {
		return nil, err
	}
	return l.load(path)
}

func (l *Loader) load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		l.cache.delete(path)
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, filepath.Base(path), info.Size())
	}
	if cached, ok := l.cache.get(path); ok && cached.Size == info.Size() && cached.ModTime.Equal(info.ModTime()) {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	f := &File{
		Path:     path,
		Content:  string(data),
		Hash:     computeHash(data),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		LoadedAt: l.now(),
	}
	if prev, ok := l.cache.get(path); ok && prev.Hash != f.Hash {
		l.logger.Debug().Str("file", filepath.Base(path)).Msg("Workspace file changed")
	}
	l.cache.set(path, f)
	return f, nil
}

// resolve joins rel to the workspace root and rejects escapes.
func (l *Loader) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	path := filepath.Join(l.dir, rel)
	relPath, err := filepath.Rel(l.dir, path)
	if err != nil {
		return "", fmt.Errorf("failed to get relative path: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return path, nil
}

// Bootstrap renders the bootstrap files that exist as "## NAME" sections.
func (l *Loader) Bootstrap() string {
	var sections []string
	for _, name := range BootstrapFiles {
		f, err := l.ReadFile(name)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				l.logger.Warn().Err(err).Str("file", name).Msg("Failed to load bootstrap file")
			}
			continue
		}
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		sections = append(sections, "## "+name+"\n\n"+content)
	}
	return strings.Join(sections, "\n\n")
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
