package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keshon/chorus/internal/behavior"
	"github.com/keshon/chorus/internal/relationship"
	"github.com/keshon/chorus/internal/storage"
)

type personaView struct {
	ID          string              `json:"id"`
	DisplayName string              `json:"display_name"`
	Template    string              `json:"template"`
	Interests   []string            `json:"interests,omitempty"`
	Rivalries   map[string][]string `json:"rivalries,omitempty"`
	Knowledge   []string            `json:"knowledge_filter,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	SourceHash  string              `json:"source_hash"`
}

func (s *Server) listPersonas(c *gin.Context) {
	roster := s.deps.Roster.Snapshot()
	out := make([]personaView, 0, roster.Len())
	for _, p := range roster.All() {
		out = append(out, personaView{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Template:    p.Template,
			Interests:   p.Interests,
			Rivalries:   p.Rivalries,
			Knowledge:   p.KnowledgeFilter,
			CreatedAt:   p.CreatedAt,
			SourceHash:  p.SourceHash,
		})
	}
	c.JSON(http.StatusOK, gin.H{"personas": out})
}

func (s *Server) reload(c *gin.Context) {
	if s.deps.Reloader == nil {
		abort(c, http.StatusServiceUnavailable, "reload is not available")
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	loaded, err := s.deps.Reloader.Reload(c.Request.Context(), req.IDs...)
	if err != nil {
		s.log.Error().Err(err).Strs("ids", req.IDs).Msg("reload failed")
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Strs("loaded", loaded).Msg("personas reloaded")
	c.JSON(http.StatusOK, gin.H{"loaded": loaded, "roster": s.deps.Roster.Snapshot().IDs()})
}

type relationshipView struct {
	relationship.Record
	Stage relationship.Stage `json:"stage"`
}

func (s *Server) listRelationships(c *gin.Context) {
	a, b := c.Query("a"), c.Query("b")
	if a != "" || b != "" {
		if a == "" || b == "" {
			abort(c, http.StatusBadRequest, "both a and b are required")
			return
		}
		rec, ok := s.deps.Ledger.Get(a, b)
		if !ok {
			abort(c, http.StatusNotFound, "no such relationship")
			return
		}
		c.JSON(http.StatusOK, relationshipView{Record: rec, Stage: rec.Stage()})
		return
	}

	all := s.deps.Ledger.All()
	out := make([]relationshipView, 0, len(all))
	for _, rec := range all {
		out = append(out, relationshipView{Record: rec, Stage: rec.Stage()})
	}
	c.JSON(http.StatusOK, gin.H{"relationships": out})
}

func (s *Server) deleteRelationship(c *gin.Context) {
	a, b := c.Query("a"), c.Query("b")
	if a == "" || b == "" {
		abort(c, http.StatusBadRequest, "both a and b are required")
		return
	}
	found, err := s.deps.Ledger.Delete(c.Request.Context(), a, b)
	if err != nil {
		s.log.Error().Err(err).Str("a", a).Str("b", b).Msg("relationship delete failed")
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		abort(c, http.StatusNotFound, "no such relationship")
		return
	}
	s.log.Info().Str("a", a).Str("b", b).Msg("relationship deleted")
	c.Status(http.StatusNoContent)
}

type channelView struct {
	ID                    string    `json:"id"`
	GuildID               string    `json:"guild_id,omitempty"`
	Mode                  string    `json:"mode"`
	ModeSince             time.Time `json:"mode_since"`
	LastMessageAt         time.Time `json:"last_message_at"`
	LastBotMessageAt      time.Time `json:"last_bot_message_at"`
	LastAmbientAt         time.Time `json:"last_ambient_at"`
	StickyPersonaID       string    `json:"sticky_persona_id,omitempty"`
	StickyExpiresAt       time.Time `json:"sticky_expires_at"`
	ConsecutiveBotReplies int       `json:"consecutive_bot_replies"`
	History               int       `json:"history"`
	RecentTopics          []string  `json:"recent_topics,omitempty"`
}

func (s *Server) listChannels(c *gin.Context) {
	if s.deps.Runner == nil {
		c.JSON(http.StatusOK, gin.H{"channels": []channelView{}})
		return
	}
	reg := s.deps.Runner.Channels()
	ids := reg.IDs()
	sort.Strings(ids)
	out := make([]channelView, 0, len(ids))
	for _, id := range ids {
		state, ok := reg.Lookup(id)
		if !ok {
			continue
		}
		snap := state.Snapshot()
		out = append(out, channelView{
			ID:                    id,
			GuildID:               snap.GuildID,
			Mode:                  snap.Mode.String(),
			ModeSince:             snap.ModeSince,
			LastMessageAt:         snap.LastMessageAt,
			LastBotMessageAt:      snap.LastBotMessageAt,
			LastAmbientAt:         snap.LastAmbientAt,
			StickyPersonaID:       snap.StickyPersonaID,
			StickyExpiresAt:       snap.StickyExpiresAt,
			ConsecutiveBotReplies: snap.ConsecutiveBotReplies,
			History:               len(snap.History),
			RecentTopics:          snap.RecentTopics,
		})
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

type moodView struct {
	PersonaID string `json:"persona_id"`
	behavior.Mood
	Phrase string `json:"phrase,omitempty"`
}

func (s *Server) listMoods(c *gin.Context) {
	if s.deps.Moods == nil {
		c.JSON(http.StatusOK, gin.H{"moods": []moodView{}})
		return
	}
	moods, ids := s.deps.Moods.Snapshot()
	out := make([]moodView, 0, len(ids))
	for _, id := range ids {
		m := moods[id]
		out = append(out, moodView{PersonaID: id, Mood: m, Phrase: m.Phrase()})
	}
	c.JSON(http.StatusOK, gin.H{"moods": out})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if st, ok := s.deps.Storage.(storage.Stater); ok {
		body["storage"] = st.Stats()
	}
	c.JSON(http.StatusOK, body)
}
