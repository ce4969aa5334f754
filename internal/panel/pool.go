package panel

import "sync"

// Pool caches one client per server so sessions survive across jobs.
type Pool struct {
	mu      sync.Mutex
	clients map[int64]*Client
}

// NewPool builds an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[int64]*Client)}
}

// For returns the cached client for the server, building one on first use.
func (p *Pool) For(serverID int64, host, login, password string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[serverID]; ok {
		return c, nil
	}
	c, err := NewClient(host, login, password)
	if err != nil {
		return nil, err
	}
	p.clients[serverID] = c
	return c, nil
}

// Evict drops the cached client for the server, e.g. after its
// credentials change.
func (p *Pool) Evict(serverID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, serverID)
}
