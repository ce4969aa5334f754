package keys

import "github.com/corsarvpn/corsard/internal/panel"

type panelPool struct {
	pool *panel.Pool
}

// NewPanels adapts the shared client pool to the service's panel surface.
func NewPanels(pool *panel.Pool) Panels { return panelPool{pool: pool} }

func (p panelPool) For(serverID int64, host, login, password string) (Panel, error) {
	return p.pool.For(serverID, host, login, password)
}
