package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrEscapesDir is returned for a name resolving outside the output
// directory.
var ErrEscapesDir = errors.New("path escapes output directory")

// Dir confines file operations to one output directory.
type Dir struct {
	base string
}

// NewDir creates the directory if needed and returns it.
func NewDir(base string) (*Dir, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &Dir{base: abs}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string {
	return d.base
}

// Resolve maps a relative name into the directory.
func (d *Dir) Resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is absolute", ErrEscapesDir, name)
	}
	abs := filepath.Join(d.base, filepath.Clean(name))
	if abs != d.base && !strings.HasPrefix(abs, d.base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrEscapesDir, name)
	}
	return abs, nil
}

// Create truncates or creates the named file.
func (d *Dir) Create(name string) (*os.File, error) {
	path, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}
	return f, nil
}

// AtomicWrite writes data to a temporary file and renames it over name.
func (d *Dir) AtomicWrite(name string, data []byte) error {
	path, err := d.Resolve(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), ulid.Make()))
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming to %s: %w", name, err)
	}
	return nil
}
