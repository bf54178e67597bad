package persona

import (
	"context"
	"slices"
	"strings"

	"github.com/keshon/chorus/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Manager owns the active roster and rebuilds it from source documents.
type Manager struct {
	loader   *Loader
	compiler *Compiler
	active   *Active
	group    singleflight.Group
	log      zerolog.Logger

	// OnPublish runs after every successful reload with the new roster.
	OnPublish func(*Roster)
}

// NewManager wires a loader, a compiler and the roster holder.
func NewManager(loader *Loader, compiler *Compiler, active *Active) *Manager {
	return &Manager{
		loader:   loader,
		compiler: compiler,
		active:   active,
		log:      logging.Component("persona"),
	}
}

// Active returns the roster holder.
func (m *Manager) Active() *Active { return m.active }

// Reload recompiles personas and atomically publishes the new roster.
// With no ids every document is reloaded and personas without a document
// disappear. With ids only those personas are refreshed: found ones are
// replaced or added, missing ones are removed. Concurrent calls for the
// same ids share one run. It returns the ids that were loaded.
func (m *Manager) Reload(ctx context.Context, ids ...string) ([]string, error) {
	key := "*"
	if len(ids) > 0 {
		sorted := slices.Clone(ids)
		slices.Sort(sorted)
		key = strings.Join(slices.Compact(sorted), ",")
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return m.reload(ids)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (m *Manager) reload(ids []string) ([]string, error) {
	m.compiler.Invalidate(ids...)

	sources, skipped, err := m.loader.Load()
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		m.log.Warn().Err(s).Msg("skipping persona document")
	}

	compiled := m.compileAll(sources, ids)

	var next []*Persona
	if len(ids) == 0 {
		next = compiled
	} else {
		current := m.active.Snapshot()
		fresh := NewRoster(compiled)
		for _, p := range current.All() {
			if !slices.Contains(ids, p.ID) {
				next = append(next, p)
			} else if np, ok := fresh.Get(p.ID); ok {
				next = append(next, np)
			} else {
				m.log.Info().Str("persona", p.ID).Msg("persona removed")
			}
		}
		for _, p := range fresh.All() {
			if _, ok := current.Get(p.ID); !ok {
				next = append(next, p)
			}
		}
	}

	roster := NewRoster(next)
	m.active.Publish(roster)
	if m.OnPublish != nil {
		m.OnPublish(roster)
	}

	loaded := make([]string, 0, len(compiled))
	for _, p := range NewRoster(compiled).All() {
		loaded = append(loaded, p.ID)
	}
	m.log.Info().Strs("loaded", loaded).Int("roster", roster.Len()).Msg("personas reloaded")
	return loaded, nil
}

// compileAll compiles sources, optionally limited to ids. Duplicate ids
// keep the last document.
func (m *Manager) compileAll(sources []Source, ids []string) []*Persona {
	var out []*Persona
	seen := make(map[string]string)
	for _, s := range sources {
		if len(ids) > 0 && !slices.Contains(ids, s.Identity.ID) {
			continue
		}
		p, err := m.compiler.Compile(s.Identity, s.Template)
		if err != nil {
			m.log.Warn().Err(err).Str("path", s.Path).Msg("skipping persona document")
			continue
		}
		if prev, dup := seen[p.ID]; dup {
			m.log.Warn().Str("persona", p.ID).Str("previous", prev).Str("path", s.Path).
				Msg("duplicate persona id, last loaded wins")
		}
		seen[p.ID] = s.Path
		out = append(out, p)
	}
	return out
}
