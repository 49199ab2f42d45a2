package remote

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemFS is an in-memory FS implementation backing the engine, session and
// navigator tests. It mimics the semantics the sftp client exposes: mkdir
// fails on an existing path, remove refuses non-empty directories, statting
// a symlink follows it while lstat does not.
//
// FailHook, when set, is consulted before every operation (op is "open",
// "stat", "read", "write", "mkdir", "readdir", "remove", "rename") and lets
// tests inject transient network failures at precise points.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	links map[string]string
	modes map[string]os.FileMode

	FailHook func(op, path string) error
}

// NewMemFS creates an empty in-memory filesystem with a root directory.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		links: make(map[string]string),
		modes: make(map[string]os.FileMode),
	}
}

func (m *MemFS) fail(op, p string) error {
	if m.FailHook != nil {
		return m.FailHook(op, p)
	}
	return nil
}

func clean(p string) string {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	return p
}

// PutFile seeds a file, creating parent directories (test setup helper).
func (m *MemFS) PutFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		m.dirs[dir] = true
		if dir == "/" {
			break
		}
	}
	m.files[p] = append([]byte(nil), data...)
}

// PutDir seeds a directory and its parents (test setup helper).
func (m *MemFS) PutDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dir := clean(p); ; dir = path.Dir(dir) {
		m.dirs[dir] = true
		if dir == "/" {
			break
		}
	}
}

// PutLink seeds a symlink (test setup helper).
func (m *MemFS) PutLink(p, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[clean(p)] = target
}

// FileContent returns a copy of a stored file's bytes (test assertion helper).
func (m *MemFS) FileContent(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *MemFS) resolve(p string) string {
	// Single-level symlink resolution is all the tests need.
	if target, ok := m.links[p]; ok {
		return clean(target)
	}
	return p
}

func (m *MemFS) Open(p string) (File, error) {
	return m.OpenFile(p, os.O_RDONLY)
}

func (m *MemFS) OpenFile(p string, flags int) (File, error) {
	if err := m.fail("open", p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = m.resolve(clean(p))

	if m.dirs[p] {
		return nil, fmt.Errorf("open %s: is a directory", p)
	}

	_, exists := m.files[p]
	if !exists {
		if flags&os.O_CREATE == 0 {
			return nil, fmt.Errorf("open %s: %w", p, os.ErrNotExist)
		}
		if !m.dirs[path.Dir(p)] {
			return nil, fmt.Errorf("open %s: %w", p, os.ErrNotExist)
		}
		m.files[p] = nil
	}
	if flags&os.O_TRUNC != 0 {
		m.files[p] = nil
	}
	return &memFile{fs: m, path: p}, nil
}

func (m *MemFS) Stat(p string) (os.FileInfo, error) {
	if err := m.fail("stat", p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statLocked(m.resolve(clean(p)))
}

func (m *MemFS) Lstat(p string) (os.FileInfo, error) {
	if err := m.fail("stat", p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if target, ok := m.links[p]; ok {
		return &memFileInfo{name: path.Base(p), mode: os.ModeSymlink | 0777, linkTarget: target}, nil
	}
	return m.statLocked(p)
}

func (m *MemFS) statLocked(p string) (os.FileInfo, error) {
	if m.dirs[p] {
		return &memFileInfo{name: path.Base(p), mode: os.ModeDir | 0755, isDir: true}, nil
	}
	if data, ok := m.files[p]; ok {
		mode := os.FileMode(0644)
		if custom, ok := m.modes[p]; ok {
			mode = custom
		}
		return &memFileInfo{name: path.Base(p), size: int64(len(data)), mode: mode}, nil
	}
	return nil, fmt.Errorf("stat %s: %w", p, os.ErrNotExist)
}

func (m *MemFS) ReadDir(p string) ([]os.FileInfo, error) {
	if err := m.fail("readdir", p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = m.resolve(clean(p))

	if !m.dirs[p] {
		return nil, fmt.Errorf("readdir %s: %w", p, os.ErrNotExist)
	}

	seen := make(map[string]os.FileInfo)
	addChild := func(child string, info os.FileInfo) {
		if path.Dir(child) == p && child != p {
			seen[child] = info
		}
	}
	for dir := range m.dirs {
		addChild(dir, &memFileInfo{name: path.Base(dir), mode: os.ModeDir | 0755, isDir: true})
	}
	for file, data := range m.files {
		addChild(file, &memFileInfo{name: path.Base(file), size: int64(len(data)), mode: 0644})
	}
	for link, target := range m.links {
		addChild(link, &memFileInfo{name: path.Base(link), mode: os.ModeSymlink | 0777, linkTarget: target})
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]os.FileInfo, 0, len(names))
	for _, name := range names {
		out = append(out, seen[name])
	}
	return out, nil
}

func (m *MemFS) Mkdir(p string) error {
	if err := m.fail("mkdir", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)

	if m.dirs[p] {
		return fmt.Errorf("mkdir %s: %w", p, os.ErrExist)
	}
	if _, ok := m.files[p]; ok {
		return fmt.Errorf("mkdir %s: %w", p, os.ErrExist)
	}
	if !m.dirs[path.Dir(p)] {
		return fmt.Errorf("mkdir %s: %w", p, os.ErrNotExist)
	}
	m.dirs[p] = true
	return nil
}

func (m *MemFS) Remove(p string) error {
	if err := m.fail("remove", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)

	if _, ok := m.links[p]; ok {
		delete(m.links, p)
		return nil
	}
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		return nil
	}
	if m.dirs[p] {
		return fmt.Errorf("remove %s: is a directory", p)
	}
	return fmt.Errorf("remove %s: %w", p, os.ErrNotExist)
}

func (m *MemFS) RemoveDirectory(p string) error {
	if err := m.fail("remove", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)

	if !m.dirs[p] {
		return fmt.Errorf("rmdir %s: %w", p, os.ErrNotExist)
	}
	for dir := range m.dirs {
		if path.Dir(dir) == p {
			return fmt.Errorf("rmdir %s: directory not empty", p)
		}
	}
	for file := range m.files {
		if path.Dir(file) == p {
			return fmt.Errorf("rmdir %s: directory not empty", p)
		}
	}
	delete(m.dirs, p)
	return nil
}

func (m *MemFS) Rename(oldPath, newPath string) error {
	if err := m.fail("rename", oldPath); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	oldPath, newPath = clean(oldPath), clean(newPath)

	if data, ok := m.files[oldPath]; ok {
		delete(m.files, oldPath)
		m.files[newPath] = data
		return nil
	}
	if m.dirs[oldPath] {
		delete(m.dirs, oldPath)
		m.dirs[newPath] = true
		return nil
	}
	return fmt.Errorf("rename %s: %w", oldPath, os.ErrNotExist)
}

func (m *MemFS) ReadLink(p string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target, ok := m.links[clean(p)]; ok {
		return target, nil
	}
	return "", fmt.Errorf("readlink %s: %w", p, os.ErrNotExist)
}

func (m *MemFS) RealPath(p string) (string, error) {
	if err := m.fail("realpath", p); err != nil {
		return "", err
	}
	return clean(p), nil
}

// memFile is an open handle with an independent offset.
type memFile struct {
	fs     *MemFS
	path   string
	offset int64
	closed bool
}

func (f *memFile) Read(b []byte) (int, error) {
	if err := f.fs.fail("read", f.path); err != nil {
		return 0, err
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	data, ok := f.fs.files[f.path]
	if !ok {
		return 0, fmt.Errorf("read %s: %w", f.path, os.ErrNotExist)
	}
	if f.offset >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(b, data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *memFile) Write(b []byte) (int, error) {
	if err := f.fs.fail("write", f.path); err != nil {
		return 0, err
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	data := f.fs.files[f.path]
	if f.offset > int64(len(data)) {
		data = append(data, make([]byte, f.offset-int64(len(data)))...)
	}
	if f.offset < int64(len(data)) {
		overlap := int64(len(data)) - f.offset
		if overlap > int64(len(b)) {
			overlap = int64(len(b))
		}
		copy(data[f.offset:], b[:overlap])
		data = append(data, b[overlap:]...)
	} else {
		data = append(data, b...)
	}
	f.fs.files[f.path] = data
	f.offset += int64(len(b))
	return len(b), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	size := int64(len(f.fs.files[f.path]))
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		f.offset = size + offset
	default:
		return 0, fmt.Errorf("seek %s: invalid whence %d", f.path, whence)
	}
	if f.offset < 0 {
		return 0, fmt.Errorf("seek %s: negative offset", f.path)
	}
	return f.offset, nil
}

func (f *memFile) Close() error {
	f.closed = true
	return nil
}

type memFileInfo struct {
	name       string
	size       int64
	mode       os.FileMode
	isDir      bool
	linkTarget string
}

func (i *memFileInfo) Name() string       { return i.name }
func (i *memFileInfo) Size() int64        { return i.size }
func (i *memFileInfo) Mode() os.FileMode  { return i.mode }
func (i *memFileInfo) ModTime() time.Time { return time.Time{} }
func (i *memFileInfo) IsDir() bool        { return i.isDir }
func (i *memFileInfo) Sys() interface{}   { return nil }
