package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/usage"
)

const defaultQueueSize = 256

// Bus fans mission events out to subscribers. Publishing never blocks:
// each subscriber owns a bounded queue drained by its own goroutine, and
// under saturation the oldest agent_feedback event is dropped first.
// update and status events are never dropped.
type Bus struct {
	mu          sync.Mutex
	missions    map[string]*missionChannel
	queueSize   int
	gracePeriod time.Duration
	logger      *slog.Logger
	closed      bool
}

type missionChannel struct {
	subscribers map[*Subscription]struct{}
	terminal    bool
	graceTimer  *time.Timer
}

// Subscription is one subscriber's view of a mission stream. Events
// arrive on C in publish order; C closes on Close, bus shutdown, or
// after the post-terminal grace period.
type Subscription struct {
	bus       *Bus
	missionID string

	mu      sync.Mutex
	queue   []Event
	dropped int
	wake    chan struct{}
	closed  bool

	out  chan Event
	done chan struct{}
}

type Option func(*Bus)

// WithQueueSize bounds each subscriber queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithGracePeriod keeps subscriptions open after a terminal status so
// late readers can drain.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Bus) {
		b.gracePeriod = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New builds a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		missions:    make(map[string]*missionChannel),
		queueSize:   defaultQueueSize,
		gracePeriod: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers for all subsequent events of a mission.
func (b *Bus) Subscribe(missionID string) *Subscription {
	sub := &Subscription{
		bus:       b,
		missionID: missionID,
		wake:      make(chan struct{}, 1),
		out:       make(chan Event),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	mc, ok := b.missions[missionID]
	if !ok {
		mc = &missionChannel{subscribers: make(map[*Subscription]struct{})}
		b.missions[missionID] = mc
	}
	mc.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish delivers an event to every subscriber of the mission. It never
// blocks on slow subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	mc, ok := b.missions[event.MissionID]
	if !ok || len(mc.subscribers) == 0 {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(mc.subscribers))
	for sub := range mc.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(event, b.queueSize, b.logger)
	}
}

// PublishUpdate publishes an execution log entry.
func (b *Bus) PublishUpdate(missionID string, entry *mission.ExecutionLogEntry) {
	b.Publish(Event{Type: EventUpdate, MissionID: missionID, Update: entry})
}

// PublishFeedback publishes a non-essential agent signal.
func (b *Bus) PublishFeedback(missionID string, feedback Feedback) {
	b.Publish(Event{Type: EventAgentFeedback, MissionID: missionID, Feedback: &feedback})
}

// PublishStats publishes a usage increment.
func (b *Bus) PublishStats(missionID string, delta usage.Delta, totals usage.Totals) {
	b.Publish(Event{Type: EventStatsUpdate, MissionID: missionID, Stats: &StatsUpdate{Delta: delta, Totals: totals}})
}

// PublishStatus publishes a mission status change. Terminal statuses arm
// the grace timer, after which all subscriptions close.
func (b *Bus) PublishStatus(missionID string, status mission.Status, detail string) {
	b.Publish(Event{Type: EventStatus, MissionID: missionID, Status: &StatusChange{Status: string(status), Detail: detail}})
	if status.Terminal() || status == mission.StatusStopped {
		b.scheduleClose(missionID)
	}
}

// PublishTruncate signals subscribers to discard artifacts strictly after
// the given round.
func (b *Bus) PublishTruncate(missionID string, afterRound int) {
	b.Publish(Event{Type: EventTruncateData, MissionID: missionID, Truncate: &TruncateData{AfterRound: afterRound}})
}

// CancelClose disarms a pending post-terminal close, used when a mission
// resumes within the grace period.
func (b *Bus) CancelClose(missionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mc, ok := b.missions[missionID]; ok {
		mc.terminal = false
		if mc.graceTimer != nil {
			mc.graceTimer.Stop()
			mc.graceTimer = nil
		}
	}
}

func (b *Bus) scheduleClose(missionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mc, ok := b.missions[missionID]
	if !ok {
		return
	}
	mc.terminal = true
	if mc.graceTimer != nil {
		mc.graceTimer.Stop()
	}
	mc.graceTimer = time.AfterFunc(b.gracePeriod, func() {
		b.closeMission(missionID)
	})
}

func (b *Bus) closeMission(missionID string) {
	b.mu.Lock()
	mc, ok := b.missions[missionID]
	if !ok || !mc.terminal {
		b.mu.Unlock()
		return
	}
	delete(b.missions, missionID)
	b.mu.Unlock()

	for sub := range mc.subscribers {
		sub.shutdown()
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mc, ok := b.missions[sub.missionID]; ok {
		delete(mc.subscribers, sub)
		if len(mc.subscribers) == 0 && mc.terminal {
			if mc.graceTimer != nil {
				mc.graceTimer.Stop()
			}
			delete(b.missions, sub.missionID)
		}
	}
}

// Close shuts the whole bus down, closing every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	missions := b.missions
	b.missions = make(map[string]*missionChannel)
	b.mu.Unlock()

	for _, mc := range missions {
		if mc.graceTimer != nil {
			mc.graceTimer.Stop()
		}
		for sub := range mc.subscribers {
			sub.shutdown()
		}
	}
}

// C is the subscriber's event channel.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Dropped reports how many feedback events were discarded under
// saturation.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the event channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) enqueue(event Event, limit int, logger *slog.Logger) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if len(s.queue) >= limit {
		// Drop the oldest feedback event. Essential events are queued
		// regardless so they are never lost.
		droppedIdx := -1
		for i := range s.queue {
			if s.queue[i].droppable() {
				droppedIdx = i
				break
			}
		}
		switch {
		case droppedIdx >= 0:
			s.queue = append(s.queue[:droppedIdx], s.queue[droppedIdx+1:]...)
			s.dropped++
		case event.droppable():
			s.dropped++
			s.mu.Unlock()
			logger.Debug("Dropping feedback event on saturated queue", "mission_id", event.MissionID)
			return
		}
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue to the out channel, preserving order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}
