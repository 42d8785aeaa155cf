package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/util"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads a JSON array of mentors and validates every entry.
func LoadFile(path string) ([]Mentor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []Mentor
	if err := json.Unmarshal(util.StripBOM(b), &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := Validate(list); err != nil {
		return nil, err
	}
	return list, nil
}

// Validate checks field constraints and rejects duplicate IDs.
func Validate(list []Mentor) error {
	seen := make(map[string]bool, len(list))
	for i, m := range list {
		if err := validate.Struct(m); err != nil {
			return fmt.Errorf("mentor %d (%q): %w", i, m.ID, err)
		}
		if seen[m.ID] {
			return fmt.Errorf("mentor %d: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// Watch reloads path into t whenever it changes, until ctx is done. A file
// that fails to parse leaves the table untouched.
func Watch(ctx context.Context, path string, t *Table, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				list, err := LoadFile(path)
				if err != nil {
					log.Warn().Err(err).Str("file", path).Msg("mentor directory reload failed")
					continue
				}
				t.Replace(list)
				log.Info().Int("mentors", len(list)).Msg("mentor directory reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("directory watcher error")
			}
		}
	}()
	return nil
}
