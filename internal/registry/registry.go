// Package registry tracks in-flight transfers by destination path.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/sheerbytes/hostagent/internal/upload"
)

// ErrExists indicates a transfer is already registered for the path.
var ErrExists = errors.New("transfer already registered for path")

// Action tells Update what to do with an entry once the callback returns.
type Action int

const (
	Keep Action = iota
	Drop
)

// Registry is a thread-safe map from destination path to transfer.
// Existence checks share a read lock; insert, update and remove are
// exclusive, so every mutation of one transfer is serialized. Callers refer
// to transfers by path and only touch them inside Update.
type Registry struct {
	mu        sync.RWMutex
	transfers map[string]*upload.Transfer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		transfers: make(map[string]*upload.Transfer),
	}
}

// Contains reports whether path has a live transfer.
func (r *Registry) Contains(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transfers[path]
	return ok
}

// Len returns the number of live transfers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transfers)
}

// Paths returns the live transfer paths in lexical order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	paths := make([]string, 0, len(r.transfers))
	for p := range r.transfers {
		paths = append(paths, p)
	}
	r.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// Insert adds t under path. It never replaces a live entry.
func (r *Registry) Insert(path string, t *upload.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transfers[path]; ok {
		return ErrExists
	}
	r.transfers[path] = t
	return nil
}

// Update runs fn on the transfer for path under the exclusive lock and
// removes the entry if fn returns Drop. It reports whether path was found.
func (r *Registry) Update(path string, fn func(t *upload.Transfer) Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[path]
	if !ok {
		return false
	}
	if fn(t) == Drop {
		delete(r.transfers, path)
	}
	return true
}

// Purge aborts and removes the transfer for path, if present.
func (r *Registry) Purge(path string) bool {
	return r.Update(path, func(t *upload.Transfer) Action {
		_ = t.Abort()
		return Drop
	})
}

// PurgeAll aborts and removes every live transfer and returns their paths.
func (r *Registry) PurgeAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.transfers))
	for p, t := range r.transfers {
		_ = t.Abort()
		paths = append(paths, p)
	}
	r.transfers = make(map[string]*upload.Transfer)
	sort.Strings(paths)
	return paths
}
