// Package store holds the control plane's only durable artifact: a
// snapshot of every user's instances and the set of allocated IPs,
// persisted to a single JSON file via write-temp-then-rename.
//
// A sync.Mutex guards an in-memory State, and mutate() commits the new
// state to disk before releasing the lock, so a crash between the
// temp-file write and the rename can never be observed — the rename is
// atomic, and a half-written temp file is simply discarded on the next
// reload.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tispace-dev/tispace/internal/domain"
)

// User is a persisted per-owner bucket of instances.
type User struct {
	Name      string             `json:"name"`
	Instances []*domain.Instance `json:"instances"`
}

// State is the entire persisted shape of state.json.
type State struct {
	Users []*User  `json:"users"`
	IPs   []string `json:"ips"`
}

// Store owns the process's only mutable shared resource: the instance
// set and the allocated-IP set. All reads go through Snapshot (a deep,
// lock-free copy); all writes go through Mutate (a short critical
// section with no I/O besides the final atomic rewrite).
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Open loads path if it exists, or starts from an empty State if it is
// missing. A corrupt file produces an empty state and a logged warning
// rather than a startup failure.
func Open(path string) (*Store, error) {
	s := &Store{path: path, state: State{}}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &s.state); jerr != nil {
			log.Warn().Err(jerr).Str("path", path).
				Msg("state file is corrupt, starting from empty state")
			s.state = State{}
		}
	case os.IsNotExist(err):
		// First run: no state file yet.
	default:
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return s, nil
}

// Snapshot returns an immutable deep copy of the current state, safe to
// iterate without holding the store's lock. All backend I/O in the
// reconciler operates on a snapshot, never on the live state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(&s.state)
}

// Mutate runs f against the live state under the store's lock. If f
// returns true, the new state is persisted atomically before Mutate
// returns; if f returns false, nothing is written. f must not perform
// I/O: the lock is held for the duration of f plus the file rewrite.
func (s *Store) Mutate(f func(*State) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !f(&s.state) {
		return nil
	}
	return s.persist()
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// FindUser returns the user bucket for username, or nil.
func (st *State) FindUser(username string) *User {
	for _, u := range st.Users {
		if u.Name == username {
			return u
		}
	}
	return nil
}

// EnsureUser returns the user bucket for username, creating it (and
// inserting it in sorted order, for deterministic persisted output) if
// it does not yet exist.
func (st *State) EnsureUser(username string) *User {
	if u := st.FindUser(username); u != nil {
		return u
	}
	u := &User{Name: username}
	st.Users = append(st.Users, u)
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].Name < st.Users[j].Name })
	return u
}

// FindInstance returns the instance named name in this user's bucket.
func (u *User) FindInstance(name string) *domain.Instance {
	for _, i := range u.Instances {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// ReleaseIP drops ip from the allocated set, so a later Allocate call
// can hand it out again. A no-op if ip is empty or not currently held.
func (st *State) ReleaseIP(ip string) {
	if ip == "" {
		return
	}
	out := st.IPs[:0]
	for _, held := range st.IPs {
		if held != ip {
			out = append(out, held)
		}
	}
	st.IPs = out
}

// RemoveInstance deletes the named instance from this user's bucket.
func (u *User) RemoveInstance(name string) {
	out := u.Instances[:0]
	for _, i := range u.Instances {
		if i.Name != name {
			out = append(out, i)
		}
	}
	u.Instances = out
}

// AllInstances returns every instance across every user, owner-sorted
// then name-sorted, for deterministic iteration order.
func (st *State) AllInstances() []*domain.Instance {
	var all []*domain.Instance
	for _, u := range st.Users {
		all = append(all, u.Instances...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Owner != all[j].Owner {
			return all[i].Owner < all[j].Owner
		}
		return all[i].Name < all[j].Name
	})
	return all
}

func cloneState(st *State) State {
	out := State{IPs: append([]string(nil), st.IPs...)}
	for _, u := range st.Users {
		cu := &User{Name: u.Name}
		for _, i := range u.Instances {
			ci := *i
			cu.Instances = append(cu.Instances, &ci)
		}
		out.Users = append(out.Users, cu)
	}
	return out
}
