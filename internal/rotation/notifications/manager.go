package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/logging"
)

const drainTimeout = 5 * time.Second

// Manager fans events out to providers from a single background worker.
// Send never blocks: when the queue is full the event is dropped and counted.
type Manager struct {
	providers []Provider
	queue     chan Event
	logger    *logging.Logger

	dropped   prometheus.Counter
	delivered *prometheus.CounterVec

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}
}

// NewManager creates a manager with the given queue size. A non-positive size
// uses config.DefaultNotificationQueue; a nil reg leaves metrics unregistered.
func NewManager(queueSize int, reg prometheus.Registerer, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = config.DefaultNotificationQueue
	}
	if logger == nil {
		logger = logging.Discard()
	}
	f := promauto.With(reg)
	return &Manager{
		queue:  make(chan Event, queueSize),
		logger: logger.Named("notifications"),
		done:   make(chan struct{}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "dbrotate_notifications_dropped_total",
			Help: "Total number of notification events dropped due to queue overflow",
		}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dbrotate_notifications_sent_total",
			Help: "Total number of notification deliveries by provider and status",
		}, []string{"provider", "status"}),
	}
}

// FromConfig builds a manager with one webhook provider per configured webhook.
func FromConfig(cfg config.NotificationsConfig, reg prometheus.Registerer, logger *logging.Logger) (*Manager, error) {
	m := NewManager(cfg.QueueSize, reg, logger)
	for _, wc := range cfg.Webhooks {
		p, err := NewWebhookProvider(wc)
		if err != nil {
			return nil, err
		}
		m.RegisterProvider(p)
	}
	return m, nil
}

// RegisterProvider adds a provider. Call it before Start.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start launches the worker. Events sent before Start are discarded.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop delivers what is still queued and waits for the worker to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send queues an event for delivery.
func (m *Manager) Send(event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return
	}

	select {
	case m.queue <- event:
	default:
		m.dropped.Inc()
		m.logger.Warn("notification queue full, dropped %s event %s", event.Type, event.RotationID)
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case event := <-m.queue:
			m.dispatchEvent(ctx, event)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case event := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatchEvent(ctx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatchEvent(ctx context.Context, event Event) {
	for _, provider := range m.Providers() {
		if !provider.SupportsEvent(event.Type) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil {
			m.delivered.WithLabelValues(provider.Name(), "failed").Inc()
			m.logger.Warn("%s: delivering %s event %s failed: %v", provider.Name(), event.Type, event.RotationID, err)
			continue
		}
		m.delivered.WithLabelValues(provider.Name(), "success").Inc()
		m.logger.Debug("%s: delivered %s event %s", provider.Name(), event.Type, event.RotationID)
	}
}
