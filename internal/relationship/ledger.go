package relationship

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/storage"
	"github.com/rs/zerolog"
)

type entry struct {
	mu      sync.Mutex
	rec     Record
	dirty   bool
	deleted bool // removed from the map; never mutated again
}

// Ledger holds every relationship record in memory. Mutations lock only
// the pair they touch; Flush writes dirty records to the backend.
type Ledger struct {
	backend storage.Backend
	log     zerolog.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	lastDecay time.Time

	// Now is the clock used to stamp mutations.
	Now func() time.Time
}

// NewLedger creates an empty ledger. backend may be nil for a purely
// in-memory ledger.
func NewLedger(backend storage.Backend) *Ledger {
	return &Ledger{
		backend:   backend,
		log:       logging.Component("relationship"),
		entries:   make(map[string]*entry),
		lastDecay: time.Now(),
		Now:       time.Now,
	}
}

func storageKey(p Pair) string { return storage.NamespaceRelationships + p.Key() }

// lookup returns the entry for the pair, or nil.
func (l *Ledger) lookup(p Pair) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[p.Key()]
}

// entryFor returns the entry for the pair, creating it if needed.
func (l *Ledger) entryFor(p Pair) *entry {
	if e := l.lookup(p); e != nil {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.entries[p.Key()]; e != nil {
		return e
	}
	e := &entry{rec: Record{Pair: p}}
	l.entries[p.Key()] = e
	return e
}

// lockEntry returns the pair's live entry with its lock held.
func (l *Ledger) lockEntry(p Pair) *entry {
	for {
		e := l.entryFor(p)
		e.mu.Lock()
		if !e.deleted {
			return e
		}
		e.mu.Unlock()
	}
}

func (l *Ledger) snapshotEntries() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// Get returns a copy of the record for the pair.
func (l *Ledger) Get(a, b string) (Record, bool) {
	e := l.lookup(NewPair(a, b))
	if e == nil {
		return Record{Pair: NewPair(a, b)}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), true
}

// All returns copies of every record, sorted by key.
func (l *Ledger) All() []Record {
	entries := l.snapshotEntries()
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.Key() < out[j].Pair.Key() })
	return out
}

// GetAffinity returns the pair's affinity, 0 when there is no record.
func (l *Ledger) GetAffinity(a, b string) int {
	e := l.lookup(NewPair(a, b))
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Affinity
}

// BanterChance grows linearly with affinity from 5% to 20%.
func (l *Ledger) BanterChance(a, b string) float64 {
	return banterBase + float64(l.GetAffinity(a, b))/MaxAffinity*banterSpread
}

// FinalBanterChance applies the conflict multiplier to BanterChance.
func (l *Ledger) FinalBanterChance(a, b string) float64 {
	return l.BanterChance(a, b) * l.GetConflictModifier(a, b).BanterMultiplier
}

// RecordInteraction nudges affinity by delta, counts the interaction and
// remembers memory when it is not empty.
func (l *Ledger) RecordInteraction(speaker, responder string, delta int, memory string) Record {
	now := l.Now()
	e := l.lockEntry(NewPair(speaker, responder))
	defer e.mu.Unlock()
	e.rec.Affinity = clampAffinity(e.rec.Affinity + delta)
	e.rec.InteractionCount++
	e.rec.LastInteractionAt = now
	if memory = strings.TrimSpace(memory); memory != "" {
		e.rec.SharedMemories = append(e.rec.SharedMemories, Memory{Text: memory, At: now})
		if over := len(e.rec.SharedMemories) - MemoryCapacity; over > 0 {
			e.rec.SharedMemories = append([]Memory(nil), e.rec.SharedMemories[over:]...)
		}
	}
	e.dirty = true
	return e.rec.clone()
}

// SetConflictTriggers replaces the topics that start or feed a conflict.
func (l *Ledger) SetConflictTriggers(a, b string, topics []string) {
	e := l.lockEntry(NewPair(a, b))
	defer e.mu.Unlock()
	next := normalizeTopics(topics)
	if strings.Join(next, ",") == strings.Join(e.rec.ConflictTriggers, ",") {
		return
	}
	e.rec.ConflictTriggers = next
	e.dirty = true
}

// DetectConflictTrigger returns the first message topic that is one of the
// pair's conflict triggers.
func (l *Ledger) DetectConflictTrigger(a, b string, messageTopics []string) (string, bool) {
	e := l.lookup(NewPair(a, b))
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range messageTopics {
		t = strings.ToLower(t)
		for _, trig := range e.rec.ConflictTriggers {
			if t == trig {
				return trig, true
			}
		}
	}
	return "", false
}

// EscalateConflict starts a conflict or raises it by amount, capped at 1.
// It counts as a mention, so the next decay tick skips it.
func (l *Ledger) EscalateConflict(a, b, topic string, amount float64) float64 {
	now := l.Now()
	e := l.lockEntry(NewPair(a, b))
	defer e.mu.Unlock()
	if e.rec.Conflict == nil {
		e.rec.Conflict = &Conflict{Topic: topic, StartedAt: now}
	}
	if topic != "" {
		e.rec.Conflict.Topic = topic
	}
	e.rec.Conflict.Severity = clampSeverity(e.rec.Conflict.Severity + amount)
	e.rec.Conflict.LastMentionAt = now
	if e.rec.Conflict.Severity <= resolvedEpsilon {
		e.rec.Conflict = nil
		e.dirty = true
		return 0
	}
	e.dirty = true
	return e.rec.Conflict.Severity
}

// DecayConflicts lowers every conflict not mentioned since the previous
// decay by rate and resolves those that reach zero.
func (l *Ledger) DecayConflicts(rate float64) []Pair {
	now := l.Now()
	l.mu.Lock()
	since := l.lastDecay
	l.lastDecay = now
	l.mu.Unlock()

	var resolved []Pair
	for _, e := range l.snapshotEntries() {
		e.mu.Lock()
		c := e.rec.Conflict
		if c != nil && !c.LastMentionAt.After(since) {
			c.Severity = clampSeverity(c.Severity - rate)
			if c.Severity <= resolvedEpsilon {
				e.rec.Conflict = nil
				resolved = append(resolved, e.rec.Pair)
			}
			e.dirty = true
		}
		e.mu.Unlock()
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Key() < resolved[j].Key() })
	for _, p := range resolved {
		l.log.Info().Str("a", p.A).Str("b", p.B).Msg("conflict resolved")
	}
	return resolved
}

// GetConflictModifier describes the pair's active conflict, if any.
func (l *Ledger) GetConflictModifier(a, b string) ConflictModifier {
	e := l.lookup(NewPair(a, b))
	if e == nil {
		return ModifierFor(nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return ModifierFor(e.rec.Conflict)
}

// Delete removes a record from memory and from the backend.
func (l *Ledger) Delete(ctx context.Context, a, b string) (bool, error) {
	p := NewPair(a, b)
	l.mu.Lock()
	e, ok := l.entries[p.Key()]
	delete(l.entries, p.Key())
	l.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.deleted = true
		e.dirty = false
		e.mu.Unlock()
	}
	if l.backend == nil {
		return ok, nil
	}
	if err := l.backend.Delete(ctx, storageKey(p)); err != nil {
		return ok, fmt.Errorf("delete %s: %w", p.Key(), err)
	}
	return ok, nil
}

// Load reads every persisted record. Unreadable records are skipped.
func (l *Ledger) Load(ctx context.Context) (int, error) {
	if l.backend == nil {
		return 0, nil
	}
	keys, err := l.backend.Keys(ctx, storage.NamespaceRelationships)
	if err != nil {
		return 0, fmt.Errorf("list relationships: %w", err)
	}
	n := 0
	for _, key := range keys {
		var rec Record
		ok, err := storage.LoadJSON(ctx, l.backend, key, &rec)
		if err != nil || !ok {
			l.log.Warn().Err(err).Str("key", key).Msg("skipping relationship record")
			continue
		}
		rec.Pair = NewPair(rec.Pair.A, rec.Pair.B)
		rec.Affinity = clampAffinity(rec.Affinity)
		if rec.Conflict != nil {
			rec.Conflict.Severity = clampSeverity(rec.Conflict.Severity)
			if rec.Conflict.Severity <= resolvedEpsilon {
				rec.Conflict = nil
			}
		}
		l.mu.Lock()
		l.entries[rec.Pair.Key()] = &entry{rec: rec}
		l.mu.Unlock()
		n++
	}
	return n, nil
}

// Flush writes dirty records. Records that fail stay dirty and are tried
// again next time; the in-memory state stays authoritative.
func (l *Ledger) Flush(ctx context.Context) int {
	if l.backend == nil {
		return 0
	}
	written := 0
	for _, e := range l.snapshotEntries() {
		e.mu.Lock()
		if !e.dirty {
			e.mu.Unlock()
			continue
		}
		rec := e.rec.clone()
		e.dirty = false
		e.mu.Unlock()

		if err := storage.SaveJSON(ctx, l.backend, storageKey(rec.Pair), rec); err != nil {
			l.log.Error().Err(err).Str("pair", rec.Pair.Key()).Msg("relationship flush failed")
			e.mu.Lock()
			e.dirty = !e.deleted
			e.mu.Unlock()
			continue
		}
		// Deleted while the write was in flight: do not resurrect it.
		e.mu.Lock()
		deleted := e.deleted
		e.mu.Unlock()
		if deleted {
			if err := l.backend.Delete(ctx, storageKey(rec.Pair)); err != nil {
				l.log.Error().Err(err).Str("pair", rec.Pair.Key()).Msg("relationship delete failed")
			}
			continue
		}
		written++
	}
	return written
}
