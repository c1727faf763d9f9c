package store

import (
	"bytes"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Migration SQL files reference tables through placeholders so the schema
// tracks the configured table names.
const (
	SessionsTablePlaceholder = "__sessions_table__"
	KeysTablePlaceholder     = "__keys_table__"
)

// RenderMigrations copies the embedded migration files into an in-memory
// filesystem with the table-name placeholders substituted. The result feeds
// golang-migrate's iofs source.
func RenderMigrations(src fs.FS, tables Tables) (fs.FS, error) {
	replacer := strings.NewReplacer(
		SessionsTablePlaceholder, tables.Sessions,
		KeysTablePlaceholder, tables.Keys,
	)

	rendered := memFS{}
	err := fs.WalkDir(src, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := fs.ReadFile(src, path)
		if err != nil {
			return err
		}
		rendered[path] = []byte(replacer.Replace(string(raw)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rendered, nil
}

// memFS is a minimal read-only filesystem over the rendered migration
// files. All files sit at the root; Open and ReadDir cover everything the
// iofs migration source asks of it.
type memFS map[string][]byte

func (m memFS) Open(name string) (fs.File, error) {
	data, ok := m[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &memFile{
		Reader: bytes.NewReader(data),
		info:   memInfo{name: name, size: int64(len(data))},
	}, nil
}

func (m memFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name != "." {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	entries := make([]fs.DirEntry, 0, len(m))
	for file, data := range m {
		entries = append(entries, memInfo{name: file, size: int64(len(data))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

type memFile struct {
	*bytes.Reader
	info memInfo
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memFile) Close() error               { return nil }

// memInfo serves as both fs.FileInfo and fs.DirEntry.
type memInfo struct {
	name string
	size int64
}

func (i memInfo) Name() string               { return i.name }
func (i memInfo) Size() int64                { return i.size }
func (i memInfo) Mode() fs.FileMode          { return 0o444 }
func (i memInfo) ModTime() time.Time         { return time.Time{} }
func (i memInfo) IsDir() bool                { return false }
func (i memInfo) Sys() any                   { return nil }
func (i memInfo) Type() fs.FileMode          { return 0 }
func (i memInfo) Info() (fs.FileInfo, error) { return i, nil }
