package transport

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/mcpgate/internal/logger"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/sirupsen/logrus"
)

// Monitor periodically checks attached servers and re-dials broken ones when
// they opted into auto-reconnect.
type Monitor struct {
	pool   *Pool
	router *mcp.Router
	tick   time.Duration

	mu        sync.Mutex
	lastCheck map[string]time.Time
	attempts  map[string]uint32
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor that wakes every tick. Each server is checked
// no more often than its own health check interval.
func NewMonitor(pool *Pool, router *mcp.Router, tick time.Duration) *Monitor {
	if tick <= 0 {
		tick = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		pool:      pool,
		router:    router,
		tick:      tick,
		lastCheck: make(map[string]time.Time),
		attempts:  make(map[string]uint32),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the check loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	logger.Info("Health monitor started")
}

// Stop halts the loop and waits for in-flight checks.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	logger.Info("Health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(m.ctx)
		}
	}
}

// CheckOnce checks every server whose interval has elapsed.
func (m *Monitor) CheckOnce(ctx context.Context) {
	for _, conn := range m.router.Servers() {
		if conn.Status == mcp.StatusDisconnected || !m.due(conn) {
			continue
		}
		m.check(ctx, conn)
	}
}

func (m *Monitor) due(conn mcp.ServerConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	last, ok := m.lastCheck[conn.ID]
	if ok && now.Sub(last) < conn.HealthCheckInterval {
		return false
	}
	m.lastCheck[conn.ID] = now
	return true
}

func (m *Monitor) check(ctx context.Context, conn mcp.ServerConnection) {
	log := logger.WithFields(logrus.Fields{"server_id": conn.ID, "status": conn.Status})
	attached := m.pool.Attached(conn.ID)

	if attached && conn.Status == mcp.StatusConnected {
		if err := m.refresh(ctx, conn); err != nil {
			log.WithError(err).Warn("Health check failed")
		}
		return
	}

	if !conn.AutoReconnect {
		if attached {
			if err := m.refresh(ctx, conn); err != nil {
				log.WithError(err).Debug("Health check failed")
			}
		}
		return
	}

	m.mu.Lock()
	n := m.attempts[conn.ID]
	if n >= conn.MaxReconnectAttempts {
		m.mu.Unlock()
		log.WithField("attempts", n).Error("Reconnect attempts exhausted, marking server disconnected")
		_ = m.pool.Detach(conn.ID)
		return
	}
	m.attempts[conn.ID] = n + 1
	m.mu.Unlock()

	if err := m.pool.Attach(ctx, conn.ID); err != nil {
		log.WithError(err).WithField("attempt", n+1).Warn("Reconnect failed")
		return
	}

	m.mu.Lock()
	delete(m.attempts, conn.ID)
	m.mu.Unlock()
	log.Info("Server reconnected")
}

// refresh checks conn bounded by its connection timeout.
func (m *Monitor) refresh(ctx context.Context, conn mcp.ServerConnection) error {
	if conn.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.ConnectionTimeout)
		defer cancel()
	}
	return m.pool.Refresh(ctx, conn.ID)
}

// Forget drops check state for a removed server.
func (m *Monitor) Forget(serverID string) {
	m.mu.Lock()
	delete(m.lastCheck, serverID)
	delete(m.attempts, serverID)
	m.mu.Unlock()
}
