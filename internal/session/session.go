// Package session saves what an owner must hand to its replacement across a
// teardown: the trigger guard state and the visible log.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"bluetooth-chat/internal/guard"
)

// Bundle is the saved host state.
type Bundle struct {
	Guard   guard.State `toml:"guard"`
	Log     []string    `toml:"log"`
	SavedAt time.Time   `toml:"saved_at"`
}

// Save writes b to path as TOML. The file is replaced atomically so a crash
// mid-write never leaves a truncated bundle behind.
func Save(path string, b Bundle) error {
	if b.SavedAt.IsZero() {
		b.SavedAt = time.Now().UTC().Truncate(time.Second)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(b); err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("session: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("session: replace %s: %w", path, err)
	}
	return nil
}

// Load reads the bundle at path. A missing file is not an error: it returns
// the zero Bundle and ok == false.
func Load(path string) (b Bundle, ok bool, err error) {
	if _, err := toml.DecodeFile(path, &b); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Bundle{}, false, nil
		}
		return Bundle{}, false, fmt.Errorf("session: load %s: %w", path, err)
	}
	return b, true, nil
}

// Remove deletes the bundle at path, if any.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: remove: %w", err)
	}
	return nil
}
