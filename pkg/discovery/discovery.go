// Copyright 2025 Certen Protocol
//
// Package discovery emits newly discoverable tasks to the pipeline. A Source
// polls an external lister on a ticker, suppresses duplicates over its
// lifetime with a seen-set, and supports pause/resume for backpressure.
package discovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opchain/taskrunner/pkg/task"
)

// Medium classifies how a discovered task reached the Source.
type Medium int

const (
	SourcePoll Medium = iota
	SourceEvent
	SourceManual
)

func (m Medium) String() string {
	switch m {
	case SourcePoll:
		return "poll"
	case SourceEvent:
		return "event"
	case SourceManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Discovered is one emission from a Source.
type Discovered struct {
	TaskAddress   task.Address
	Task          *task.OnChainTask
	DiscoveredAtMs int64
	Medium        Medium
}

// Listener receives discovered tasks. Registered listeners are invoked in
// registration order; a listener must not block the Source for long.
type Listener func(Discovered)

// Lister is the external collaborator a Source polls for newly claimable
// tasks. It is the only seam between this package and an Operations Port
// implementation — a poll-based Source never talks to pkg/ops directly.
type Lister func(ctx context.Context) ([]Discovered, error)

// Config tunes a Source's polling cadence.
type Config struct {
	PollInterval time.Duration
	QueueSize    int // buffer depth between the poll loop and the dispatch loop
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		QueueSize:    256,
	}
}

// subscription is a single registered listener; unsubscribe removes it from
// the list, and an emission whose snapshot was taken before that still calls
// it.
type subscription struct {
	id       int
	listener Listener
}

// Source is a poll-driven Discovery Source (component B).
type Source struct {
	cfg    Config
	lister Lister
	logger *log.Logger

	mu          sync.RWMutex
	subs        []*subscription
	nextSubID   int
	seen        map[task.Address]struct{}
	discovered  int64
	running     bool
	paused      bool

	stopCh  chan struct{}
	pauseCh chan struct{}
	queue   chan Discovered
	wg      sync.WaitGroup
}

// NewSource builds a Source that polls lister every cfg.PollInterval.
func NewSource(lister Lister, cfg Config) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Source{
		cfg:    cfg,
		lister: lister,
		logger: log.New(log.Writer(), "[Discovery] ", log.LstdFlags),
		seen:   make(map[task.Address]struct{}),
	}
}

// Subscribe registers a listener and returns an unsubscribe handle.
func (s *Source) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscription{id: id, listener: l}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sb := range s.subs {
			if sb.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Start begins the poll and dispatch loops. Safe to call once; a second call
// on an already-running Source is a no-op.
func (s *Source) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Printf("⚠️ discovery already running")
		return
	}
	s.running = true
	s.paused = false
	s.stopCh = make(chan struct{})
	s.pauseCh = make(chan struct{})
	s.queue = make(chan Discovered, s.cfg.QueueSize)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pollLoop()
	go s.dispatchLoop()
	s.logger.Printf("🔍 discovery started, poll interval %v", s.cfg.PollInterval)
}

// Stop halts both loops and waits for them to exit.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Printf("🛑 discovery stopped")
}

// Pause suppresses dispatch to listeners without losing emissions already
// queued; Resume releases them in order.
func (s *Source) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || !s.running {
		return
	}
	s.paused = true
	s.pauseCh = make(chan struct{})
	s.logger.Printf("⏸️ discovery paused")
}

// Resume releases a paused Source.
func (s *Source) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.pauseCh)
	s.logger.Printf("▶️ discovery resumed")
}

func (s *Source) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Source) DiscoveredCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discovered
}

// ClearSeen drops the dedup set; already-discovered tasks become eligible for
// re-emission on the next poll that observes them.
func (s *Source) ClearSeen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[task.Address]struct{})
}

func (s *Source) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				s.logger.Printf("⚠️ poll error: %v", err)
			}
		}
	}
}

func (s *Source) pollOnce(ctx context.Context) error {
	items, err := s.lister(ctx)
	if err != nil {
		return fmt.Errorf("discovery: lister failed: %w", err)
	}
	for _, item := range items {
		s.mu.Lock()
		if _, dup := s.seen[item.TaskAddress]; dup {
			s.mu.Unlock()
			continue
		}
		s.seen[item.TaskAddress] = struct{}{}
		s.discovered++
		s.mu.Unlock()

		select {
		case s.queue <- item:
		case <-s.stopCh:
			return nil
		default:
			s.logger.Printf("⚠️ discovery queue full, dropping emission for %x", item.TaskAddress)
		}
	}
	return nil
}

func (s *Source) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case item := <-s.queue:
			s.waitUnlessPaused()
			s.emit(item)
		}
	}
}

func (s *Source) waitUnlessPaused() {
	for {
		s.mu.RLock()
		paused := s.paused
		pauseCh := s.pauseCh
		s.mu.RUnlock()
		if !paused {
			return
		}
		select {
		case <-pauseCh:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Source) emit(item Discovered) {
	s.mu.RLock()
	snapshot := make([]*subscription, len(s.subs))
	copy(snapshot, s.subs)
	s.mu.RUnlock()

	for _, sub := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Printf("⚠️ listener panic: %v", r)
				}
			}()
			sub.listener(item)
		}()
	}
}

// Inject delivers a manually supplied discovery, e.g. from an event feed or a
// test harness, through the same dedup/pause machinery as polled items.
func (s *Source) Inject(d Discovered) {
	d.Medium = SourceManual
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[d.TaskAddress]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[d.TaskAddress] = struct{}{}
	s.discovered++
	queue := s.queue
	s.mu.Unlock()

	select {
	case queue <- d:
	case <-s.stopCh:
	}
}
