package kv

import (
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process Client. It backs tests and the degradation path
// taken when no Redis endpoint is configured; counters reset on restart.
type Memory struct {
	mu    sync.Mutex
	data  map[string]string
	lists map[string][]string
}

// NewMemory returns an empty in-memory client.
func NewMemory() *Memory {
	return &Memory{
		data:  map[string]string{},
		lists: map[string][]string{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *Memory) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := strconv.ParseFloat(m.data[key], 64)
	cur += delta
	m.data[key] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (m *Memory) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := strconv.ParseInt(m.data[key], 10, 64)
	cur += delta
	m.data[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) LPush(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *Memory) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = list[start : stop+1]
	return nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *Memory) Close() error { return nil }
