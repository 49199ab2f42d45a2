// Package navigator provides cached remote directory listings and local
// path resolution for browsing an SFTP tree.
package navigator

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferrydock/ferry/internal/events"
	"github.com/ferrydock/ferry/internal/logging"
	"github.com/ferrydock/ferry/internal/remote"
	"github.com/ferrydock/ferry/internal/transfer"
)

// Entry is a single directory entry prepared for display.
type Entry struct {
	Name       string
	Path       string
	Size       int64
	Mode       os.FileMode
	ModTime    time.Time
	IsDir      bool
	IsLink     bool
	LinkTarget string
}

type cacheKey struct {
	sessionID string
	path      string
}

// Navigator caches directory listings per (session, path) and drops
// cached entries when it sees invalidation events on the bus.
type Navigator struct {
	log *logging.Logger
	bus *events.Bus

	mu    sync.Mutex
	cache map[cacheKey][]Entry

	sub  <-chan events.Event
	done chan struct{}
}

// New returns a Navigator wired to the event bus. Completed transfers,
// mkdir, rename and delete operations publish DirectoryInvalidated
// events which evict the affected listings.
func New(bus *events.Bus, log *logging.Logger) *Navigator {
	n := &Navigator{
		log:   log,
		bus:   bus,
		cache: make(map[cacheKey][]Entry),
		done:  make(chan struct{}),
	}
	if bus != nil {
		n.sub = bus.Subscribe(events.EventDirectoryInvalidated)
		go n.watch()
	}
	return n
}

// Close detaches the Navigator from the bus.
func (n *Navigator) Close() {
	if n.sub != nil {
		n.bus.Unsubscribe(events.EventDirectoryInvalidated, n.sub)
		n.sub = nil
	}
	close(n.done)
}

func (n *Navigator) watch() {
	for {
		select {
		case <-n.done:
			return
		case ev, ok := <-n.sub:
			if !ok {
				return
			}
			if inv, ok := ev.(events.DirectoryInvalidatedEvent); ok {
				n.Invalidate(inv.SessionID, inv.Path)
			}
		}
	}
}

// List returns the entries of a remote directory, sorted directories
// first and lexicographically within each group. Results are cached
// per (session, path) until invalidated.
func (n *Navigator) List(fs remote.FS, sessionID, dir string) ([]Entry, error) {
	dir = Navigate("/", dir)
	key := cacheKey{sessionID: sessionID, path: dir}

	n.mu.Lock()
	if cached, ok := n.cache[key]; ok {
		out := make([]Entry, len(cached))
		copy(out, cached)
		n.mu.Unlock()
		return out, nil
	}
	n.mu.Unlock()

	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil, transfer.Classify(err, dir)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		e := Entry{
			Name:    info.Name(),
			Path:    remote.JoinPath(dir, info.Name()),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		}
		if info.Mode()&os.ModeSymlink != 0 {
			e.IsLink = true
			if target, err := fs.ReadLink(e.Path); err == nil {
				e.LinkTarget = target
			}
			// Follow one level for display only, never for traversal.
			if st, err := fs.Stat(e.Path); err == nil {
				e.IsDir = st.IsDir()
			}
		}
		entries = append(entries, e)
	}
	sortEntries(entries)

	n.mu.Lock()
	stored := make([]Entry, len(entries))
	copy(stored, entries)
	n.cache[key] = stored
	n.mu.Unlock()

	return entries, nil
}

// Stat returns a single entry for a remote path.
func (n *Navigator) Stat(fs remote.FS, remotePath string) (Entry, error) {
	remotePath = Navigate("/", remotePath)
	info, err := fs.Lstat(remotePath)
	if err != nil {
		return Entry{}, transfer.Classify(err, remotePath)
	}
	e := Entry{
		Name:    path.Base(remotePath),
		Path:    remotePath,
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if info.Mode()&os.ModeSymlink != 0 {
		e.IsLink = true
		if target, err := fs.ReadLink(remotePath); err == nil {
			e.LinkTarget = target
		}
		if st, err := fs.Stat(remotePath); err == nil {
			e.IsDir = st.IsDir()
		}
	}
	return e, nil
}

// Invalidate drops the cached listing for one directory of a session.
func (n *Navigator) Invalidate(sessionID, dir string) {
	dir = Navigate("/", dir)
	n.mu.Lock()
	delete(n.cache, cacheKey{sessionID: sessionID, path: dir})
	n.mu.Unlock()
}

// InvalidateSession drops every cached listing for a session. Called
// when a session disconnects so a later reconnect starts fresh.
func (n *Navigator) InvalidateSession(sessionID string) {
	n.mu.Lock()
	for key := range n.cache {
		if key.sessionID == sessionID {
			delete(n.cache, key)
		}
	}
	n.mu.Unlock()
}

// Navigate resolves target against base without touching the server.
// Absolute targets replace base entirely; "." and ".." segments are
// collapsed locally. The result always uses forward slashes.
func Navigate(base, target string) string {
	if target == "" {
		target = "."
	}
	var joined string
	if strings.HasPrefix(target, "/") {
		joined = target
	} else {
		if base == "" {
			base = "/"
		}
		joined = base + "/" + target
	}
	cleaned := path.Clean(joined)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

// ListLocal lists a local directory with the same shape and ordering
// as remote listings, for side-by-side display.
func ListLocal(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, transfer.Classify(err, dir)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{
			Name:    de.Name(),
			Path:    filepath.Join(dir, de.Name()),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   de.IsDir(),
		}
		if info.Mode()&os.ModeSymlink != 0 {
			e.IsLink = true
			if target, err := os.Readlink(e.Path); err == nil {
				e.LinkTarget = target
			}
			if st, err := os.Stat(e.Path); err == nil {
				e.IsDir = st.IsDir()
			}
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
}
