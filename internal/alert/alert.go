// Package alert fans important engine events out to the operator without
// ever blocking the trading path. Undeliverable alerts are dropped and the
// drops accounted for in the process log.
package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type Options struct {
	QueueSize          int
	DropReportInterval time.Duration
}

type Manager struct {
	symbol     string
	instanceID string
	notifier   Notifier

	queue          chan event
	stop           chan struct{}
	done           chan struct{}
	reportInterval time.Duration

	dropped       uint64
	droppedWindow uint64

	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(symbol, instanceID string, notifier Notifier, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval <= 0 {
		reportInterval = defaultDropReportInterval
	}
	m := &Manager{
		symbol:         symbol,
		instanceID:     instanceID,
		notifier:       notifier,
		queue:          make(chan event, queueSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		reportInterval: reportInterval,
	}
	go m.loop()
	return m
}

// Important enqueues an operator alert. Never blocks: a full queue drops the
// event and bumps the drop counters instead.
func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- event{name: name, fields: cloneFields(fields)}:
	default:
		total := atomic.AddUint64(&m.dropped, 1)
		if atomic.AddUint64(&m.droppedWindow, 1) == 1 {
			log.Printf("level=WARN event=alert_dropped target_event=%q dropped_total=%d queue_cap=%d",
				name, total, cap(m.queue))
		}
	}
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-ticker.C:
			m.reportDrops()
		case <-m.stop:
			// Drain what is already queued, then report and stop.
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDrops() {
	window := atomic.SwapUint64(&m.droppedWindow, 0)
	if window == 0 {
		return
	}
	log.Printf("level=WARN event=alert_drop_report dropped_in_window=%d dropped_total=%d",
		window, atomic.LoadUint64(&m.dropped))
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.name, err.Error())
	}
}

func (m *Manager) buildMessage(ev event) string {
	lines := []string{
		"[grid-ladder] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"symbol: " + m.symbol,
		"instance: " + m.instanceID,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
