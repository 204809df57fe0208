package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// pollHashKey seeds the change-detection hash. It only needs to be stable
// within a process lifetime.
var pollHashKey = make([]byte, 32)

// PollFunc produces the widget's current data.
type PollFunc func(ctx context.Context) (any, error)

// Poller supervises one worker per live-mode widget. Each worker polls its
// source query on an interval, hashes the result, and publishes a live_data
// frame only when the content changed. Poll failures back off exponentially
// to a cap; a shared rate limiter paces polling across all widgets.
type Poller struct {
	publisher *StatusPublisher
	limiter   *rate.Limiter
	interval  time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPoller(publisher *StatusPublisher, interval time.Duration, pollsPerSecond float64) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if pollsPerSecond <= 0 {
		pollsPerSecond = 50
	}
	return &Poller{
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(pollsPerSecond), int(pollsPerSecond)),
		interval:  interval,
		maxDelay:  time.Minute,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Watch starts (or restarts) the worker for one widget.
func (p *Poller) Watch(ctx context.Context, tenant, widgetID string, interval time.Duration, query PollFunc) {
	if interval <= 0 {
		interval = p.interval
	}
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if prev, ok := p.cancels[widgetID]; ok {
		prev()
	}
	p.cancels[widgetID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, tenant, widgetID, interval, query)
	}()
}

// Unwatch stops the widget's worker if one is running.
func (p *Poller) Unwatch(widgetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[widgetID]; ok {
		cancel()
		delete(p.cancels, widgetID)
	}
}

// Stop cancels every worker and waits for them to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, tenant, widgetID string, interval time.Duration, query PollFunc) {
	var delay = interval
	var lastHash uint64
	var published bool

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		var data, err = query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = min(delay*2, p.maxDelay)
			log.WithError(err).WithFields(log.Fields{"widget": widgetID, "retry_in": delay}).
				Warn("live widget poll failed")
			continue
		}
		delay = interval

		hash, err := contentHash(data)
		if err != nil {
			log.WithError(err).WithField("widget", widgetID).Warn("live widget result is not hashable")
			continue
		}
		if published && hash == lastHash {
			continue
		}

		if err := p.publisher.LiveData(ctx, tenant, widgetID, data); err != nil {
			log.WithError(err).WithField("widget", widgetID).Warn("live data publish failed")
			continue
		}
		lastHash, published = hash, true
	}
}

func contentHash(data any) (uint64, error) {
	var b, err = json.Marshal(data)
	if err != nil {
		return 0, err
	}
	return highwayhash.Sum64(b, pollHashKey), nil
}
