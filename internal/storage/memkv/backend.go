// Package memkv implements the Storage Port (spec.md §4.2) on top of a
// flat key-value backend. Two backends are provided: an in-memory one
// (adapted from the teacher's rest.MemoryKeyValue fallback) for tests and
// degraded-mode operation, and a NATS JetStream KeyValue-backed one for
// production, matching the teacher's own persistence choice
// (cmd/schemaregistry/main.go's kvSchemas/kvConfig buckets).
package memkv

import (
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// Backend is the minimal flat-namespace KV contract Store needs. It is
// deliberately narrower than nats.KeyValue so an in-memory implementation
// can satisfy it trivially.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Keys returns every key currently present, matching the teacher's
	// "Keys() then filter by prefix" scan pattern in registry.go.
	Keys() ([]string, error)
}

// MemoryBackend is a thread-safe in-memory Backend, adapted from the
// teacher's rest.MemoryKeyValue.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryBackend) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// NATSBackend adapts a nats.KeyValue bucket to Backend. NATS key names
// cannot contain most punctuation, so composite keys are escaped the same
// way the teacher composes "subjects/{subject}/versions/{n}" keys: by
// joining path segments with '.' internally (NATS' own subject separator)
// while Store keeps working in terms of '/'-joined logical keys.
type NATSBackend struct {
	kv nats.KeyValue
}

// NewNATSBackend wraps an already-created JetStream KeyValue bucket.
func NewNATSBackend(kv nats.KeyValue) *NATSBackend {
	return &NATSBackend{kv: kv}
}

func encodeNATSKey(key string) string {
	return strings.NewReplacer("/", ".", "@", "_at_").Replace(key)
}

func decodeNATSKey(key string) string {
	return strings.NewReplacer(".", "/", "_at_", "@").Replace(key)
}

func (n *NATSBackend) Get(key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(encodeNATSKey(key))
	if err == nats.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (n *NATSBackend) Put(key string, value []byte) error {
	_, err := n.kv.Put(encodeNATSKey(key), value)
	return err
}

func (n *NATSBackend) Delete(key string) error {
	err := n.kv.Delete(encodeNATSKey(key))
	if err == nats.ErrKeyNotFound {
		return nil
	}
	return err
}

func (n *NATSBackend) Keys() ([]string, error) {
	keys, err := n.kv.Keys()
	if err == nats.ErrNoKeysFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = decodeNATSKey(k)
	}
	return out, nil
}
