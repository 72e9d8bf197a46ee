package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Registry used in tests and for registry-less
// deployments. Expired values are dropped lazily on read.
type Memory struct {
	mu     sync.Mutex
	values map[string]memoryValue
	sets   map[string]map[string]struct{}
	lists  map[string][]string
}

type memoryValue struct {
	value     string
	expiresAt time.Time // Zero means no expiry.
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memoryValue),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
	}
}

func (m *Memory) SetWithTTL(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) SetAdd(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sets[key]; s != nil {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	return out, nil
}

// ListPush prepends, matching Redis LPUSH so trim indices mean the same thing
// in both implementations.
func (m *Memory) ListPush(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *Memory) ListTrim(_ context.Context, key string, start int64, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = append([]string(nil), l[start:stop+1]...)
	return nil
}

func (m *Memory) ListRange(_ context.Context, key string, start int64, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return append([]string(nil), l[start:stop+1]...), nil
}

func (m *Memory) Close() error { return nil }
