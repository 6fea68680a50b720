// Package signal filters repeated opportunities and fans survivors out to sinks.
//
// Thread Safety:
//   - Signal and Opportunities may be called concurrently
//   - Sinks are called from a single worker goroutine, one opportunity at a time
//   - Close drains the queue before returning
package signal

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"arbitral/internal/model"
)

const (
	defaultCooldown   = 5 * time.Second
	defaultBufferSize = 50
	defaultQueueSize  = 256
	sinkTimeout       = 5 * time.Second

	// pruneThreshold is the number of cooldown entries above which expired ones are dropped.
	pruneThreshold = 1024
)

// ErrSignalerClosed is returned by Close when the signaler was already closed.
var ErrSignalerClosed = errors.New("signaler closed")

// Sink receives every opportunity that survives the cooldown.
type Sink interface {
	Name() string
	Send(ctx context.Context, op model.Opportunity) error
}

// Config configures a Signaler. Zero values select the defaults.
type Config struct {
	Cooldown   time.Duration
	BufferSize int
	QueueSize  int
}

// Signaler suppresses repeats of the same (pair, direction) within the
// cooldown, keeps a rolling buffer of recent opportunities and forwards
// survivors to its sinks through a queue.
type Signaler struct {
	cooldown time.Duration
	capacity int
	sinks    []Sink
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	recent   []model.Opportunity
	queue    chan model.Opportunity
	closed   bool

	done chan struct{}
}

// New creates a signaler and starts its sink worker.
func New(cfg Config, sinks ...Sink) *Signaler {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	} else if cfg.Cooldown == 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	s := &Signaler{
		cooldown: cfg.Cooldown,
		capacity: cfg.BufferSize,
		sinks:    sinks,
		logger:   log.With().Str("component", "signal").Logger(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		recent:   make([]model.Opportunity, 0, cfg.BufferSize),
		queue:    make(chan model.Opportunity, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go s.drain()
	return s
}

// Signal records op and queues it for the sinks unless the same pair and
// direction was signaled within the cooldown. A suppressed signal is not
// recorded at all. The result reports whether op was accepted.
func (s *Signaler) Signal(op model.Opportunity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	now := s.now()
	key := op.Key()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < s.cooldown {
		return false
	}
	s.lastSent[key] = now
	if len(s.lastSent) > pruneThreshold {
		s.prune(now)
	}

	s.record(op)

	select {
	case s.queue <- op:
	default:
		s.logger.Warn().
			Str("pair", op.Pair.String()).
			Str("direction", op.Direction()).
			Msg("Sink queue full, dropping opportunity")
	}
	return true
}

// record puts op at the front of the buffer, replacing an older entry of the
// same key and evicting the oldest entry on overflow.
func (s *Signaler) record(op model.Opportunity) {
	key := op.Key()
	for i, existing := range s.recent {
		if existing.Key() == key {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			break
		}
	}

	if len(s.recent) == s.capacity {
		s.recent = s.recent[:s.capacity-1]
	}
	s.recent = append(s.recent, model.Opportunity{})
	copy(s.recent[1:], s.recent)
	s.recent[0] = op
}

func (s *Signaler) prune(now time.Time) {
	for key, at := range s.lastSent {
		if now.Sub(at) >= s.cooldown {
			delete(s.lastSent, key)
		}
	}
}

// Opportunities returns the buffered opportunities, most recent first.
func (s *Signaler) Opportunities() []model.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Opportunity, len(s.recent))
	copy(out, s.recent)
	return out
}

func (s *Signaler) drain() {
	defer close(s.done)

	for op := range s.queue {
		for _, sink := range s.sinks {
			s.send(sink, op)
		}
	}
}

func (s *Signaler) send(sink Sink, op model.Opportunity) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := sink.Send(ctx, op); err != nil {
		s.logger.Error().
			Err(err).
			Str("sink", sink.Name()).
			Str("pair", op.Pair.String()).
			Str("direction", op.Direction()).
			Msg("Sink failed")
	}
}

// Close stops accepting signals, delivers everything already queued and
// closes sinks that implement io.Closer.
func (s *Signaler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSignalerClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done

	var errs []error
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
