package bookmark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileStore keeps one file per scope under a directory, holding the timestamp as text
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("bookmark directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(scope Scope) string {
	name := unsafeFileChars.ReplaceAllString(strings.ToLower(scope.ResourceType)+"_"+scope.Name, "_")
	return filepath.Join(f.dir, "last_event_time_"+name)
}

func (f *FileStore) ReadLastEventTime(_ context.Context, scope Scope) (time.Time, bool, error) {
	data, err := os.ReadFile(f.path(scope))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return time.Time{}, false, nil
	}
	t, err := parseTime(string(data))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w", f.path(scope), err)
	}
	return t, true, nil
}

func (f *FileStore) WriteLastEventTime(_ context.Context, scope Scope, t time.Time) error {
	path := f.path(scope)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(normalize(t).Format(timeLayout)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
