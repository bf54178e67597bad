package channel

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

const (
	profileDays      = 7
	silenceCapacity  = 50
	minLearnedCounts = 50 // messages in the window before hours are classified

	peakFactor  = 1.5 // at or above mean*peakFactor is a peak hour
	quietFactor = 0.5 // at or below mean*quietFactor is a quiet hour
)

// Phase classifies the current hour of a channel.
type Phase string

const (
	PhaseUnknown Phase = "unknown"
	PhaseNormal  Phase = "normal"
	PhasePeak    Phase = "peak"
	PhaseQuiet   Phase = "quiet"
)

// Modulation scales ambient probability and cooldown for the current hour.
type Modulation struct {
	Phase             Phase
	ProbabilityFactor float64
	CooldownFactor    float64
}

// DayBucket is one day of hourly message counts.
type DayBucket struct {
	Date  string  `json:"date"` // 2006-01-02 in the profile's location
	Hours [24]int `json:"hours"`
}

// ActivityProfile is a rolling seven-day histogram of messages per hour
// plus recent silence samples.
type ActivityProfile struct {
	ChannelID     string                 `json:"channel_id"`
	Days          [profileDays]DayBucket `json:"days"`
	Silences      []float64              `json:"silences"` // seconds between messages
	LastMessageAt time.Time              `json:"last_message_at"`
}

func dayIndex(t time.Time) int {
	y, m, d := t.Date()
	days := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
	return int(days % profileDays)
}

// Record counts a message at t (already in the profile's location).
func (p *ActivityProfile) Record(t time.Time) {
	if !p.LastMessageAt.IsZero() {
		if gap := t.Sub(p.LastMessageAt).Seconds(); gap > 0 {
			p.Silences = append(p.Silences, gap)
			if over := len(p.Silences) - silenceCapacity; over > 0 {
				p.Silences = append([]float64(nil), p.Silences[over:]...)
			}
		}
	}
	if t.After(p.LastMessageAt) {
		p.LastMessageAt = t
	}

	date := t.Format(time.DateOnly)
	b := &p.Days[dayIndex(t)]
	if b.Date != date {
		*b = DayBucket{Date: date}
	}
	b.Hours[t.Hour()]++
}

// HourTotals sums the buckets that fall within seven days of now.
func (p *ActivityProfile) HourTotals(now time.Time) (totals [24]int, sum int) {
	oldest := now.AddDate(0, 0, -(profileDays - 1)).Format(time.DateOnly)
	today := now.Format(time.DateOnly)
	for _, b := range p.Days {
		if b.Date == "" || b.Date < oldest || b.Date > today {
			continue
		}
		for h, n := range b.Hours {
			totals[h] += n
			sum += n
		}
	}
	return totals, sum
}

// PhaseAt classifies the hour of now.
func (p *ActivityProfile) PhaseAt(now time.Time) Phase {
	totals, sum := p.HourTotals(now)
	if sum < minLearnedCounts {
		return PhaseUnknown
	}
	mean := float64(sum) / 24
	n := float64(totals[now.Hour()])
	switch {
	case n >= mean*peakFactor:
		return PhasePeak
	case n <= mean*quietFactor:
		return PhaseQuiet
	default:
		return PhaseNormal
	}
}

// ModulationAt returns the factors for the hour of now. Peak hours make
// ambient remarks rarer and cooldowns longer; quiet hours the opposite.
func (p *ActivityProfile) ModulationAt(now time.Time) Modulation {
	switch phase := p.PhaseAt(now); phase {
	case PhasePeak:
		return Modulation{Phase: phase, ProbabilityFactor: 0.75, CooldownFactor: 1.5}
	case PhaseQuiet:
		return Modulation{Phase: phase, ProbabilityFactor: 1.3, CooldownFactor: 0.7}
	default:
		return Modulation{Phase: phase, ProbabilityFactor: 1, CooldownFactor: 1}
	}
}

// TypicalSilence is the median recorded gap, zero without samples.
func (p *ActivityProfile) TypicalSilence() time.Duration {
	if len(p.Silences) == 0 {
		return 0
	}
	s := append([]float64(nil), p.Silences...)
	sort.Float64s(s)
	mid := len(s) / 2
	med := s[mid]
	if len(s)%2 == 0 {
		med = (s[mid-1] + s[mid]) / 2
	}
	return time.Duration(med * float64(time.Second))
}

func (p *ActivityProfile) clone() ActivityProfile {
	out := *p
	out.Silences = append([]float64(nil), p.Silences...)
	return out
}

type profileEntry struct {
	mu    sync.Mutex
	p     ActivityProfile
	dirty bool
}

// Profiles keeps activity profiles in memory and persists them on Flush.
type Profiles struct {
	backend storage.Backend
	loc     *time.Location
	log     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*profileEntry
}

// NewProfiles creates the profile set. Hours are bucketed in loc.
func NewProfiles(backend storage.Backend, loc *time.Location) *Profiles {
	if loc == nil {
		loc = time.UTC
	}
	return &Profiles{
		backend: backend,
		loc:     loc,
		log:     logging.Component("activity"),
		entries: make(map[string]*profileEntry),
	}
}

func (ps *Profiles) entry(channelID string) *profileEntry {
	ps.mu.RLock()
	e := ps.entries[channelID]
	ps.mu.RUnlock()
	if e != nil {
		return e
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if e = ps.entries[channelID]; e != nil {
		return e
	}
	e = &profileEntry{p: ActivityProfile{ChannelID: channelID}}
	ps.entries[channelID] = e
	return e
}

// Observe counts a message in the channel's profile.
func (ps *Profiles) Observe(channelID string, at time.Time) {
	e := ps.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.p.Record(at.In(ps.loc))
	e.dirty = true
}

// Get returns a copy of the channel's profile.
func (ps *Profiles) Get(channelID string) ActivityProfile {
	e := ps.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.clone()
}

// Modulation returns the channel's factors for the hour of now.
func (ps *Profiles) Modulation(channelID string, now time.Time) Modulation {
	e := ps.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.ModulationAt(now.In(ps.loc))
}

// TypicalSilence returns the channel's median gap between messages.
func (ps *Profiles) TypicalSilence(channelID string) time.Duration {
	e := ps.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.TypicalSilence()
}

// Load reads every persisted profile.
func (ps *Profiles) Load(ctx context.Context) (int, error) {
	if ps.backend == nil {
		return 0, nil
	}
	keys, err := ps.backend.Keys(ctx, storage.NamespaceProfiles)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}
	n := 0
	for _, key := range keys {
		var p ActivityProfile
		ok, err := storage.LoadJSON(ctx, ps.backend, key, &p)
		if err != nil || !ok {
			ps.log.Warn().Err(err).Str("key", key).Msg("skipping activity profile")
			continue
		}
		if p.ChannelID == "" {
			p.ChannelID = strings.TrimPrefix(key, storage.NamespaceProfiles)
		}
		ps.mu.Lock()
		ps.entries[p.ChannelID] = &profileEntry{p: p}
		ps.mu.Unlock()
		n++
	}
	return n, nil
}

// Flush writes profiles changed since the last flush. Failed writes stay
// dirty for the next attempt.
func (ps *Profiles) Flush(ctx context.Context) int {
	if ps.backend == nil {
		return 0
	}
	ps.mu.RLock()
	entries := make([]*profileEntry, 0, len(ps.entries))
	for _, e := range ps.entries {
		entries = append(entries, e)
	}
	ps.mu.RUnlock()

	written := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.dirty {
			e.mu.Unlock()
			continue
		}
		p := e.p.clone()
		e.dirty = false
		e.mu.Unlock()

		if err := storage.SaveJSON(ctx, ps.backend, storage.NamespaceProfiles+p.ChannelID, p); err != nil {
			ps.log.Error().Err(err).Str("channel", p.ChannelID).Msg("profile flush failed")
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
			continue
		}
		written++
	}
	return written
}
