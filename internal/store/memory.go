package store

import (
	"fmt"
	"strconv"
	"sync"
)

// MemoryKV is a KV held in process memory. Contents are lost on exit.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string]string)}
}

func (m *MemoryKV) GetString(ns, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", ns, key, ErrNotFound)
	}
	return v, nil
}

func (m *MemoryKV) PutString(ns, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = make(map[string]string)
	}
	m.data[ns][key] = value
	return nil
}

func (m *MemoryKV) GetUint(ns, key string) (uint64, error) {
	raw, err := m.GetString(ns, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s/%s: %w", ns, key, err)
	}
	return v, nil
}

func (m *MemoryKV) PutUint(ns, key string, v uint64) error {
	return m.PutString(ns, key, strconv.FormatUint(v, 10))
}

func (m *MemoryKV) Delete(ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *MemoryKV) Replace(ns string, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := make(map[string]string, len(entries))
	for k, v := range entries {
		fresh[k] = v
	}
	m.data[ns] = fresh
	return nil
}

func (m *MemoryKV) Clear(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ns)
	return nil
}

func (m *MemoryKV) Close() error { return nil }
