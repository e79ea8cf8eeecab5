package registry

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/pkg/proto"
)

// replayEntry is one cached event. The pointer is stored in the LRU so
// read-state updates can be applied in place.
type replayEntry struct {
	eventID    string
	token      uint64
	event      proto.Event
	recordedAt time.Time
}

// replayLog is the bounded per-recipient history used to answer reconnects.
// Entries are keyed by token and only ever added in token order, so the
// LRU's eviction order is also token order. horizon is the highest token
// that has been dropped; nothing at or below it can be vouched for.
type replayLog struct {
	mu      sync.Mutex
	entries *lru.Cache
	ttl     time.Duration
	horizon uint64
}

func newReplayLog(size int, ttl time.Duration, horizon uint64) *replayLog {
	l := &replayLog{ttl: ttl, horizon: horizon}
	m := metrics.GetMetrics()

	// The callback runs inside Add/Remove, with l.mu already held
	cache, err := lru.NewWithEvict(size, func(key, _ interface{}) {
		if token := key.(uint64); token > l.horizon {
			l.horizon = token
		}
		m.ReplayEntriesEvicted.Inc()
	})
	if err != nil {
		// Only a non-positive size fails, and Config.withDefaults rules that out
		panic(err)
	}
	l.entries = cache
	return l
}

// record adds ev under eventID. Recording an id twice keeps the first copy.
func (l *replayLog) record(eventID string, token uint64, ev proto.Event, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if token <= l.horizon || l.entries.Contains(token) {
		return
	}
	l.entries.Add(token, &replayEntry{
		eventID:    eventID,
		token:      token,
		event:      ev.Clone(),
		recordedAt: now,
	})
}

// since returns the cached events after token in token order. ok is false
// when entries after token may have been dropped.
func (l *replayLog) since(token uint64, now time.Time) (events []proto.Event, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeExpiredLocked(now)
	if token < l.horizon {
		return nil, false
	}

	var picked []*replayEntry
	for _, key := range l.entries.Keys() {
		if key.(uint64) <= token {
			continue
		}
		if v, found := l.entries.Peek(key); found {
			picked = append(picked, v.(*replayEntry))
		}
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].token < picked[j].token })

	events = make([]proto.Event, 0, len(picked))
	for _, e := range picked {
		events = append(events, e.event.Clone())
	}
	return events, true
}

// markRead flips the cached alarm payloads whose alarm id matches
func (l *replayLog) markRead(match func(alarmID uint64) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, key := range l.entries.Keys() {
		v, found := l.entries.Peek(key)
		if !found {
			continue
		}
		e := v.(*replayEntry)
		if e.event.Alarm != nil && !e.event.Alarm.Read && match(e.event.Alarm.ID) {
			e.event.Alarm.Read = true
			n++
		}
	}
	return n
}

// purgeExpired drops entries older than the TTL and reports how many remain
func (l *replayLog) purgeExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeExpiredLocked(now)
	return l.entries.Len()
}

func (l *replayLog) purgeExpiredLocked(now time.Time) {
	if l.ttl <= 0 {
		return
	}
	// Keys come back oldest first; stop at the first live entry
	for _, key := range l.entries.Keys() {
		v, found := l.entries.Peek(key)
		if !found {
			continue
		}
		if now.Sub(v.(*replayEntry).recordedAt) < l.ttl {
			return
		}
		l.entries.Remove(key)
	}
}

// watermark returns the eviction horizon
func (l *replayLog) watermark() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.horizon
}

// len returns the number of cached entries
func (l *replayLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}
