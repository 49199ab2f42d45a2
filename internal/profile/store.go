package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a durable, insertion-ordered collection of connection profiles.
// Writes are serialized; the whole file is replaced atomically on every
// mutation so a crash mid-write cannot corrupt the store.
type Store struct {
	path string

	mu       sync.RWMutex
	profiles []*Profile // Insertion order
	byName   map[string]int
}

// Open loads the store at path, treating a missing file as an empty store.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		byName: make(map[string]int),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &StoreError{Kind: KindIOFailure, msg: "failed to read store", err: err}
	}

	var profiles []*Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, &StoreError{Kind: KindIOFailure, msg: "failed to parse store", err: err}
	}

	s.profiles = profiles
	for i, p := range profiles {
		s.byName[p.Name] = i
	}
	return s, nil
}

// List returns copies of all profiles in insertion order.
func (s *Store) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, len(s.profiles))
	for i, p := range s.profiles {
		out[i] = *p
	}
	return out
}

// Get returns a copy of the named profile.
func (s *Store) Get(name string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byName[name]
	if !ok {
		return Profile{}, &StoreError{Kind: KindNotFound, msg: fmt.Sprintf("no profile named %q", name)}
	}
	return *s.profiles[i], nil
}

// Upsert validates and stores a profile, overwriting any existing profile
// with the same name in place (its position in the listing is kept).
func (s *Store) Upsert(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.byName[p.Name]; ok {
		s.profiles[i] = &p
	} else {
		s.profiles = append(s.profiles, &p)
		s.byName[p.Name] = len(s.profiles) - 1
	}
	return s.saveLocked()
}

// Delete removes the named profile.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byName[name]
	if !ok {
		return &StoreError{Kind: KindNotFound, msg: fmt.Sprintf("no profile named %q", name)}
	}

	s.profiles = append(s.profiles[:i], s.profiles[i+1:]...)
	delete(s.byName, name)
	for j := i; j < len(s.profiles); j++ {
		s.byName[s.profiles[j].Name] = j
	}
	return s.saveLocked()
}

// Import validates and upserts a batch of profiles in one committed write.
// Nothing is stored if any profile fails validation.
func (s *Store) Import(profiles []Profile) error {
	for i := range profiles {
		if err := profiles[i].Validate(); err != nil {
			return fmt.Errorf("profile %q invalid: %w", profiles[i].Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range profiles {
		p := profiles[i]
		if j, ok := s.byName[p.Name]; ok {
			s.profiles[j] = &p
		} else {
			s.profiles = append(s.profiles, &p)
			s.byName[p.Name] = len(s.profiles) - 1
		}
	}
	return s.saveLocked()
}

// Export returns all profiles for external serialization. Secret refs stay
// wrapped; they are only useful to a store sharing the same installation key.
func (s *Store) Export() []Profile {
	return s.List()
}

// saveLocked writes the whole store to a temp file and atomically replaces
// the previous one. Readers always observe the last fully-committed file.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return &StoreError{Kind: KindIOFailure, msg: "failed to marshal store", err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return &StoreError{Kind: KindIOFailure, msg: "failed to create store directory", err: err}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &StoreError{Kind: KindIOFailure, msg: "failed to write temp store file", err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &StoreError{Kind: KindIOFailure, msg: "failed to replace store file", err: err}
	}
	return nil
}
