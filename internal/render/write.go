package render

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	json "github.com/goccy/go-json"

	logx "sitegen/pkg/logx"
)

func pagePath(board string, page int) []string {
	if page <= 1 {
		return []string{board, "index.html"}
	}
	return []string{board, strconv.Itoa(page) + ".html"}
}

func (s *Site) writePage(cfg Config, name string, data any, rel ...string) error {
	var buf bytes.Buffer
	if err := s.templates().ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return writeAtomic(filepath.Join(append([]string{cfg.OutputDir}, rel...)...), buf.Bytes())
}

func (s *Site) writeJSON(cfg Config, v any, rel ...string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Join(rel...), err)
	}
	return writeAtomic(filepath.Join(append([]string{cfg.OutputDir}, rel...)...), b)
}

// writeAtomic replaces path with data through a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Site) removePage(cfg Config, board string, page int) error {
	html := filepath.Join(append([]string{cfg.OutputDir}, pagePath(board, page)...)...)
	if err := removeIfExists(html); err != nil {
		return err
	}
	return removeIfExists(filepath.Join(cfg.OutputDir, board, fmt.Sprintf("%d.json", page)))
}

// removePagesAfter drops pages a shrinking board no longer has.
func (s *Site) removePagesAfter(cfg Config, board string, pages int) {
	for n := pages + 1; ; n++ {
		html := filepath.Join(append([]string{cfg.OutputDir}, pagePath(board, n)...)...)
		if _, err := os.Stat(html); err != nil {
			return
		}
		if err := s.removePage(cfg, board, n); err != nil {
			s.log.Warn("remove stale page failed", logx.String("board", board), logx.Int("page", n), logx.Err(err))
			return
		}
	}
}

func (s *Site) removeThread(cfg Config, board string, id int64) error {
	base := filepath.Join(cfg.OutputDir, board, "res", strconv.FormatInt(id, 10))
	if err := removeIfExists(base + ".html"); err != nil {
		return err
	}
	return removeIfExists(base + ".json")
}
