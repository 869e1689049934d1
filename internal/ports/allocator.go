// Package ports assigns disjoint host port sets to named instances and keeps the
// assignment in a JSON file so it survives restarts.
package ports

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"
)

// Default allocation range and keys.
const (
	DefaultBasePort = 20000
	DefaultMaxPort  = 65535
)

// DefaultKeys are the logical ports every sandbox instance gets.
var DefaultKeys = []string{"ssh", "vnc", "exec", "health"}

// ErrExhausted is returned when no free port is left in the configured range.
var ErrExhausted = errors.New("port range exhausted")

// Map maps a logical port key to a host port number.
type Map map[string]int

// Clone returns a copy of the map.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Validate checks that every port is in 1-65535.
func (m Map) Validate() error {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if p := m[k]; p < 1 || p > 65535 {
			return fmt.Errorf("port %q = %d is outside 1-65535", k, p)
		}
	}
	return nil
}

// ProbeFunc reports whether a host port can be bound right now.
type ProbeFunc func(port int) bool

// Allocator hands out port maps per instance name. It is safe for concurrent use.
type Allocator struct {
	path  string
	keys  []string
	base  int
	max   int
	probe ProbeFunc

	mu       sync.Mutex
	assigned map[string]Map
	used     map[int]string
	next     int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithKeys sets the logical port keys allocated for each new instance.
func WithKeys(keys ...string) Option {
	return func(a *Allocator) {
		a.keys = slices.Clone(keys)
	}
}

// WithRange sets the inclusive host port range to allocate from.
func WithRange(base, max int) Option {
	return func(a *Allocator) {
		a.base = base
		a.max = max
	}
}

// WithProbe sets the function used to skip ports already bound on the host.
// A nil probe disables probing.
func WithProbe(probe ProbeFunc) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// NewAllocator creates an allocator persisted at path. Existing assignments in the
// file are loaded and reserved. An empty path keeps the state in memory only.
func NewAllocator(path string, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		path:     path,
		keys:     slices.Clone(DefaultKeys),
		base:     DefaultBasePort,
		max:      DefaultMaxPort,
		probe:    TCPProbe,
		assigned: make(map[string]Map),
		used:     make(map[int]string),
	}
	for _, opt := range opts {
		opt(a)
	}

	if len(a.keys) == 0 {
		return nil, errors.New("at least one port key is required")
	}
	if a.base < 1 || a.max > 65535 || a.base > a.max {
		return nil, fmt.Errorf("invalid port range %d-%d", a.base, a.max)
	}
	a.next = a.base

	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) load() error {
	if a.path == "" {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read port map %s: %w", a.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var stored map[string]Map
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse port map %s: %w", a.path, err)
	}
	for name, m := range stored {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("port map %s: instance %q: %w", a.path, name, err)
		}
		for _, p := range m {
			if owner, ok := a.used[p]; ok {
				return fmt.Errorf("port map %s: port %d assigned to both %q and %q", a.path, p, owner, name)
			}
			a.used[p] = name
		}
		a.assigned[name] = m
	}
	return nil
}

// Get returns the port map for name, assigning and persisting a new one if the
// name has not been seen before. Repeated calls return identical maps.
func (a *Allocator) Get(name string) (Map, error) {
	if name == "" {
		return nil, errors.New("instance name is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if m, ok := a.assigned[name]; ok {
		return m.Clone(), nil
	}

	m := make(Map, len(a.keys))
	for _, key := range a.keys {
		p, err := a.nextFree()
		if err != nil {
			a.unreserve(m)
			return nil, fmt.Errorf("failed to allocate %s port for %s: %w", key, name, err)
		}
		m[key] = p
		a.used[p] = name
	}
	a.assigned[name] = m

	if err := a.persist(); err != nil {
		a.unreserve(m)
		delete(a.assigned, name)
		return nil, err
	}

	log.Debug().Str("instance", name).Interface("ports", m).Msg("allocated ports")
	return m.Clone(), nil
}

// Lookup returns the map assigned to name without allocating.
func (a *Allocator) Lookup(name string) (Map, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.assigned[name]
	return m.Clone(), ok
}

// Release forgets the assignment for name and persists the change.
func (a *Allocator) Release(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.assigned[name]
	if !ok {
		return nil
	}
	a.unreserve(m)
	delete(a.assigned, name)
	return a.persist()
}

// Snapshot returns a deep copy of every assignment.
func (a *Allocator) Snapshot() map[string]Map {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Map, len(a.assigned))
	for name, m := range a.assigned {
		out[name] = m.Clone()
	}
	return out
}

// Path returns the backing file, or "" for an in-memory allocator.
func (a *Allocator) Path() string {
	return a.path
}

func (a *Allocator) unreserve(m Map) {
	for _, p := range m {
		delete(a.used, p)
	}
}

// nextFree scans the range once, wrapping around, for a port not yet handed out.
func (a *Allocator) nextFree() (int, error) {
	span := a.max - a.base + 1
	for i := 0; i < span; i++ {
		p := a.next
		a.next++
		if a.next > a.max {
			a.next = a.base
		}
		if _, taken := a.used[p]; taken {
			continue
		}
		if a.probe != nil && !a.probe(p) {
			continue
		}
		return p, nil
	}
	return 0, ErrExhausted
}

// persist rewrites the whole map. Callers hold a.mu.
func (a *Allocator) persist() error {
	if a.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("failed to create port map directory: %w", err)
	}
	data, err := json.MarshalIndent(a.assigned, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal port map: %w", err)
	}
	if err := atomic.WriteFile(a.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write port map %s: %w", a.path, err)
	}
	return nil
}

// TCPProbe reports whether port can be bound on all interfaces.
func TCPProbe(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
