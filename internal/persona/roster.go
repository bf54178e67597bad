package persona

import (
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// MinFirstNameLen is the shortest first name that can trigger a match.
const MinFirstNameLen = 3

type nameEntry struct {
	name    string // lower case
	persona *Persona
	full    bool
}

// Roster is an immutable, ordered snapshot of the enabled personas.
type Roster struct {
	personas []*Persona
	byID     map[string]*Persona
	names    []nameEntry // longest first
}

// NewRoster builds a snapshot. Later entries replace earlier ones with the
// same id, keeping the earlier position.
func NewRoster(personas []*Persona) *Roster {
	r := &Roster{byID: make(map[string]*Persona, len(personas))}
	for _, p := range personas {
		if p == nil {
			continue
		}
		if _, dup := r.byID[p.ID]; dup {
			i := slices.IndexFunc(r.personas, func(x *Persona) bool { return x.ID == p.ID })
			r.personas[i] = p
		} else {
			r.personas = append(r.personas, p)
		}
		r.byID[p.ID] = p
	}

	for _, p := range r.personas {
		full := strings.ToLower(p.DisplayName)
		r.names = append(r.names, nameEntry{name: full, persona: p, full: true})
		first := strings.ToLower(p.FirstName())
		if first != full && utf8.RuneCountInString(first) >= MinFirstNameLen {
			r.names = append(r.names, nameEntry{name: first, persona: p})
		}
	}
	sort.SliceStable(r.names, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(r.names[i].name), utf8.RuneCountInString(r.names[j].name)
		if li != lj {
			return li > lj
		}
		return r.names[i].full && !r.names[j].full
	})
	return r
}

// Len returns the number of personas.
func (r *Roster) Len() int { return len(r.personas) }

// All returns the personas in roster order.
func (r *Roster) All() []*Persona { return slices.Clone(r.personas) }

// IDs returns persona ids in roster order.
func (r *Roster) IDs() []string {
	ids := make([]string, len(r.personas))
	for i, p := range r.personas {
		ids[i] = p.ID
	}
	return ids
}

// Get looks a persona up by id.
func (r *Roster) Get(id string) (*Persona, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Without returns the personas whose id is not in exclude.
func (r *Roster) Without(exclude ...string) []*Persona {
	out := make([]*Persona, 0, len(r.personas))
	for _, p := range r.personas {
		if !slices.Contains(exclude, p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// MatchName finds the persona whose full or first name occurs in content,
// trying longer names first.
func (r *Roster) MatchName(content string, exclude ...string) (*Persona, bool) {
	return r.match(content, exclude, func(nameEntry) bool { return true })
}

// MatchFullName only considers full display names.
func (r *Roster) MatchFullName(content string, exclude ...string) (*Persona, bool) {
	return r.match(content, exclude, func(e nameEntry) bool { return e.full })
}

// MatchFirstName only considers first names of at least MinFirstNameLen runes.
func (r *Roster) MatchFirstName(content string, exclude ...string) (*Persona, bool) {
	return r.match(content, exclude, func(e nameEntry) bool { return !e.full })
}

func (r *Roster) match(content string, exclude []string, keep func(nameEntry) bool) (*Persona, bool) {
	if content == "" {
		return nil, false
	}
	lower := strings.ToLower(content)
	for _, e := range r.names {
		if !keep(e) || slices.Contains(exclude, e.persona.ID) {
			continue
		}
		if strings.Contains(lower, e.name) {
			return e.persona, true
		}
	}
	return nil, false
}

// Active holds the current roster. Readers take a snapshot and keep using
// it for the rest of their request.
type Active struct {
	p atomic.Pointer[Roster]
}

// NewActive starts with r, or an empty roster when r is nil.
func NewActive(r *Roster) *Active {
	a := &Active{}
	if r == nil {
		r = NewRoster(nil)
	}
	a.p.Store(r)
	return a
}

// Snapshot returns the current roster. Never nil.
func (a *Active) Snapshot() *Roster { return a.p.Load() }

// Publish swaps in a new roster.
func (a *Active) Publish(r *Roster) { a.p.Store(r) }
