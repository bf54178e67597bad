package behavior

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keshon/chorus/pkg/util"
)

// moodDecayPerSecond pulls every emotion toward zero.
const moodDecayPerSecond = 0.002

// Mood is a persona's short-lived emotional state, each value in [0,1].
type Mood struct {
	Joy        float64   `json:"joy"`
	Anger      float64   `json:"anger"`
	Fatigue    float64   `json:"fatigue"`
	Engagement float64   `json:"engagement"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MoodEvent is something that moves a mood.
type MoodEvent int

const (
	MoodResponded MoodEvent = iota + 1
	MoodWarmUser
	MoodHostileUser
	MoodConflict
	MoodConflictResolved
)

func (m Mood) decayed(now time.Time) Mood {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
		return m
	}
	sec := now.Sub(m.UpdatedAt).Seconds()
	if sec <= 0 {
		return m
	}
	f := 1 - moodDecayPerSecond*sec
	if f < 0 {
		f = 0
	}
	m.Joy = util.Clamp01(m.Joy * f)
	m.Anger = util.Clamp01(m.Anger * f)
	m.Fatigue = util.Clamp01(m.Fatigue * f)
	m.Engagement = util.Clamp01(m.Engagement * f)
	m.UpdatedAt = now
	return m
}

func (m Mood) apply(ev MoodEvent, intensity float64) Mood {
	i := util.Clamp01(intensity)
	switch ev {
	case MoodResponded:
		m.Fatigue += 0.15 * i
		m.Engagement += 0.1 * i
	case MoodWarmUser:
		m.Joy += 0.3 * i
		m.Engagement += 0.2 * i
	case MoodHostileUser:
		m.Anger += 0.3 * i
		m.Fatigue += 0.1 * i
	case MoodConflict:
		m.Anger += 0.3 * i
	case MoodConflictResolved:
		m.Anger *= 1 - 0.5*i
	}
	m.Joy = util.Clamp01(m.Joy)
	m.Anger = util.Clamp01(m.Anger)
	m.Fatigue = util.Clamp01(m.Fatigue)
	m.Engagement = util.Clamp01(m.Engagement)
	return m
}

// Activation is how stirred up the persona is, 0..1.
func (m Mood) Activation() float64 {
	return util.Clamp01((m.Anger+m.Joy)*0.5 - m.Fatigue*0.3 + m.Engagement*0.4)
}

// Phrase renders the mood as a prompt modifier, "" when calm.
func (m Mood) Phrase() string {
	var parts []string
	if m.Anger >= 0.5 {
		parts = append(parts, "You are irritated right now and your patience is thin.")
	}
	if m.Joy >= 0.5 {
		parts = append(parts, "You are in high spirits.")
	}
	if m.Fatigue >= 0.6 {
		parts = append(parts, "You feel drained, so you keep it brief.")
	}
	if m.Engagement >= 0.6 {
		parts = append(parts, "You are absorbed in this conversation.")
	}
	return strings.Join(parts, " ")
}

// Moods holds the mood of every persona. Safe for concurrent use.
type Moods struct {
	mu    sync.Mutex
	moods map[string]Mood
}

func NewMoods() *Moods {
	return &Moods{moods: make(map[string]Mood)}
}

// Get returns the persona's mood decayed to now.
func (ms *Moods) Get(personaID string, now time.Time) Mood {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.moods[personaID]
	if !ok {
		return Mood{}
	}
	m = m.decayed(now)
	ms.moods[personaID] = m
	return m
}

// Apply moves the persona's mood by ev.
func (ms *Moods) Apply(personaID string, ev MoodEvent, intensity float64, now time.Time) Mood {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m := ms.moods[personaID].decayed(now).apply(ev, intensity)
	ms.moods[personaID] = m
	return m
}

// Decay brings every mood up to now and forgets moods that faded out.
func (ms *Moods) Decay(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for id, m := range ms.moods {
		m = m.decayed(now)
		if m.Joy+m.Anger+m.Fatigue+m.Engagement < 1e-3 {
			delete(ms.moods, id)
			continue
		}
		ms.moods[id] = m
	}
}

// Snapshot returns all moods keyed by persona id, sorted ids alongside.
func (ms *Moods) Snapshot() (map[string]Mood, []string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make(map[string]Mood, len(ms.moods))
	ids := make([]string, 0, len(ms.moods))
	for id, m := range ms.moods {
		out[id] = m
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return out, ids
}
