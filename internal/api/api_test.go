package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/keshon/chorus/internal/behavior"
	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/mind"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/relationship"
	"github.com/keshon/chorus/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReloader struct {
	ids []string
	err error
}

func (f *fakeReloader) Reload(_ context.Context, ids ...string) ([]string, error) {
	f.ids = ids
	if f.err != nil {
		return nil, f.err
	}
	return []string{"vivec"}, nil
}

type fakePreviewer struct {
	channels *channel.Registry
}

func (f *fakePreviewer) Channels() *channel.Registry { return f.channels }

func (f *fakePreviewer) Preview(_ context.Context, personaID, _, content string, onChunk func(string) error) (string, error) {
	if personaID != "vivec" {
		return "", fmt.Errorf("%w: %s", mind.ErrUnknownPersona, personaID)
	}
	if content == "fail" {
		return "", errors.New("generator down")
	}
	for _, w := range []string{"So ", "it ", "is."} {
		if err := onChunk(w); err != nil {
			return "", err
		}
	}
	return "So it is.", nil
}

type fixture struct {
	srv      *Server
	ledger   *relationship.Ledger
	reloader *fakeReloader
	channels *channel.Registry
	moods    *behavior.Moods
}

func newFixture() *fixture {
	f := &fixture{
		ledger:   relationship.NewLedger(nil),
		reloader: &fakeReloader{},
		channels: channel.NewRegistry(10),
		moods:    behavior.NewMoods(),
	}
	roster := persona.NewRoster([]*persona.Persona{
		{ID: "dagoth", DisplayName: "Dagoth Ur", Template: "villain", Interests: []string{"heart"}},
		{ID: "vivec", DisplayName: "Vivec", Template: "poet"},
	})
	f.srv = New("", Deps{
		Roster:   persona.NewActive(roster),
		Reloader: f.reloader,
		Ledger:   f.ledger,
		Moods:    f.moods,
		Runner:   &fakePreviewer{channels: f.channels},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthAndPersonas(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "storage")

	rec = f.do(t, http.MethodGet, "/personas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Personas []personaView `json:"personas"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Personas, 2)
	assert.Equal(t, "dagoth", body.Personas[0].ID)
	assert.Equal(t, []string{"heart"}, body.Personas[0].Interests)
	assert.Equal(t, "poet", body.Personas[1].Template)
}

func TestHealthReportsStorage(t *testing.T) {
	backend, err := storage.NewFile(filepath.Join(t.TempDir(), "chorus.json"), 0)
	require.NoError(t, err)
	defer backend.Close()
	require.NoError(t, backend.Put(context.Background(), storage.NamespaceProfiles+"c1", []byte(`{}`)))

	srv := New("", Deps{Roster: persona.NewActive(persona.NewRoster(nil)), Ledger: relationship.NewLedger(nil), Storage: backend})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string         `json:"status"`
		Storage map[string]any `json:"storage"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.EqualValues(t, 1, body.Storage["keys"])
	assert.Equal(t, true, body.Storage["saved"])
}

func TestReload(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/personas/reload", `{"ids":["vivec"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"vivec"}, f.reloader.ids)
	var body struct {
		Loaded []string `json:"loaded"`
		Roster []string `json:"roster"`
	}
	decode(t, rec, &body)
	assert.Equal(t, []string{"vivec"}, body.Loaded)
	assert.Equal(t, []string{"dagoth", "vivec"}, body.Roster)

	rec = f.do(t, http.MethodPost, "/personas/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.reloader.ids)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/personas/reload", `{"ids":`).Code)

	f.reloader.err = errors.New("templates dir missing")
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodPost, "/personas/reload", "").Code)
}

func TestRelationships(t *testing.T) {
	f := newFixture()
	f.ledger.RecordInteraction("vivec", "dagoth", 25, "argued about the heart")

	rec := f.do(t, http.MethodGet, "/relationships", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Relationships []struct {
			Pair     relationship.Pair  `json:"pair"`
			Affinity int                `json:"affinity"`
			Stage    relationship.Stage `json:"stage"`
		} `json:"relationships"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Relationships, 1)
	assert.Equal(t, relationship.Pair{A: "dagoth", B: "vivec"}, list.Relationships[0].Pair)
	assert.Equal(t, 25, list.Relationships[0].Affinity)
	assert.Equal(t, relationship.StageAcquaintance, list.Relationships[0].Stage)

	rec = f.do(t, http.MethodGet, "/relationships?a=vivec&b=dagoth", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "argued about the heart")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/relationships?a=vivec", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/relationships?a=vivec&b=azura", "").Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/relationships?a=dagoth&b=vivec", "").Code)
	_, ok := f.ledger.Get("dagoth", "vivec")
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/relationships?a=dagoth&b=vivec", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/relationships", "").Code)
}

func TestChannelsAndMoods(t *testing.T) {
	f := newFixture()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	state := f.channels.Get("c1")
	state.Observe(chat.Message{ID: "m1", ChannelID: "c1", GuildID: "g1", AuthorID: "u1", Content: "the ghostfence holds", At: at}, []string{"ghostfence"})
	state.SetSticky("vivec", at.Add(5*time.Minute))
	f.moods.Apply("vivec", behavior.MoodConflict, 1, at)

	rec := f.do(t, http.MethodGet, "/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var chans struct {
		Channels []channelView `json:"channels"`
	}
	decode(t, rec, &chans)
	require.Len(t, chans.Channels, 1)
	got := chans.Channels[0]
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "g1", got.GuildID)
	assert.Equal(t, "ACTIVE", got.Mode)
	assert.Equal(t, "vivec", got.StickyPersonaID)
	assert.Equal(t, 1, got.History)
	assert.Equal(t, []string{"ghostfence"}, got.RecentTopics)

	rec = f.do(t, http.MethodGet, "/moods", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var moods struct {
		Moods []moodView `json:"moods"`
	}
	decode(t, rec, &moods)
	require.Len(t, moods.Moods, 1)
	assert.Equal(t, "vivec", moods.Moods[0].PersonaID)
	assert.InDelta(t, 0.3, moods.Moods[0].Anger, 1e-9)
}

func TestPreviewWebsocket(t *testing.T) {
	f := newFixture()
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/preview"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() previewFrame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var fr previewFrame
		require.NoError(t, conn.ReadJSON(&fr))
		return fr
	}

	require.NoError(t, conn.WriteJSON(previewRequest{Persona: "vivec", Content: "who are you?"}))
	var chunks []string
	for {
		fr := read()
		if fr.Type != "chunk" {
			assert.Equal(t, "done", fr.Type)
			assert.Equal(t, "So it is.", fr.Reply)
			break
		}
		chunks = append(chunks, fr.Text)
	}
	assert.Equal(t, []string{"So ", "it ", "is."}, chunks)

	require.NoError(t, conn.WriteJSON(previewRequest{Persona: "azura", Content: "hi"}))
	fr := read()
	assert.Equal(t, "error", fr.Type)
	assert.Contains(t, fr.Error, "unknown persona")

	require.NoError(t, conn.WriteJSON(previewRequest{Persona: "vivec", Content: "fail"}))
	fr = read()
	assert.Equal(t, "error", fr.Type)
	assert.Contains(t, fr.Error, "generator down")

	require.NoError(t, conn.WriteJSON(previewRequest{Persona: "vivec"}))
	fr = read()
	assert.Equal(t, "error", fr.Type)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

func TestRunDisabledReturns(t *testing.T) {
	f := newFixture()
	assert.NoError(t, f.srv.Run(context.Background()))
}

func TestRunShutsDown(t *testing.T) {
	srv := New("127.0.0.1:0", Deps{Roster: persona.NewActive(persona.NewRoster(nil)), Ledger: relationship.NewLedger(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
