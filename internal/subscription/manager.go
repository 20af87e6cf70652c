package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager owns the connections of one process
type Manager struct {
	mu    sync.Mutex
	conns []*Connection
}

func NewManager(conns ...*Connection) *Manager {
	return &Manager{conns: conns}
}

func (m *Manager) Add(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = append(m.conns, c)
}

func (m *Manager) connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Connection(nil), m.conns...)
}

// Start connects every connection
func (m *Manager) Start(ctx context.Context) error {
	for _, c := range m.connections() {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Close shuts all connections down concurrently
func (m *Manager) Close(ctx context.Context) error {
	conns := m.connections()
	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				errs[i] = fmt.Errorf("close %s: %w", c.Name(), err)
			}
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// States reports each connection's state by name
func (m *Manager) States() map[string]string {
	conns := m.connections()
	out := make(map[string]string, len(conns))
	for _, c := range conns {
		out[c.Name()] = c.State().String()
	}
	return out
}
