package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/api/rest"
	"github.com/iggydv12/meshtable/internal/events"
	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/ledger"
	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/session"
	"github.com/iggydv12/meshtable/internal/storage"
	"github.com/iggydv12/meshtable/internal/storage/local"
	"github.com/iggydv12/meshtable/internal/store"
	"github.com/iggydv12/meshtable/internal/transport"
)

type fakeRooms struct {
	session *session.Session
	userID  string
	closed  int
}

func (f *fakeRooms) OpenRoom(ctx context.Context, name, password, roomID string) (identity.PeerContext, error) {
	if roomID == "" {
		roomID = identity.DefaultRoomID
	}
	pc := identity.NewPeerContext(f.userID, roomID, name, password)
	return pc, f.session.Open(ctx, pc)
}

func (f *fakeRooms) CloseRoom() error {
	f.closed++
	return f.session.Close()
}

type fixture struct {
	handler http.Handler
	store   *store.Store
	rooms   *fakeRooms
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	bus := events.New(logger)
	bus.SetSelf("user000001")
	st := store.New(bus, logger)

	kv := local.NewPebbleStorage(filepath.Join(t.TempDir(), "db"), logger)
	require.NoError(t, kv.Init())
	t.Cleanup(func() { _ = kv.Close() })

	trash := storage.NewTrash(bus, st, 8, logger)
	trash.Start()

	cfg := session.DefaultConfig()
	cfg.OpenTimeout = 20 * time.Millisecond
	cfg.Heartbeat = 0
	sess := session.New(cfg, bus, transport.NewMemoryNetwork(logger).NewTransport(), logger)
	t.Cleanup(func() { _ = sess.Close() })

	rooms := &fakeRooms{session: sess, userID: "user000001"}
	srv := rest.New(rest.Deps{
		Store:   st,
		Session: sess,
		Ledger:  ledger.New(),
		Saves:   storage.NewSaves(kv, st, bus.Self, logger),
		Trash:   trash,
		Rooms:   rooms,
	}, logger)
	return &fixture{handler: srv.Handler(), store: st, rooms: rooms}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestObjectLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/meshtable/objects", map[string]any{
		"identifier": "card-1",
		"type":       "card",
		"attributes": map[string]any{
			"x":    map[string]string{"kind": "number", "value": "3"},
			"name": map[string]string{"value": "Ace"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	assert.Equal(t, "card-1", created["identifier"])
	assert.Equal(t, "user000001", created["owner"])

	w = f.do(t, http.MethodPost, "/meshtable/objects", map[string]any{"identifier": "card-1", "type": "card"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPut, "/meshtable/objects/card-1", map[string]any{
		"attributes": map[string]any{"x": map[string]string{"kind": "number", "value": "4"}},
		"unset":      []string{"name"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	o, ok := f.store.Get("card-1")
	require.True(t, ok)
	assert.Equal(t, 4, o.Attributes["x"].Int())
	assert.NotContains(t, o.Attributes, "name")

	w = f.do(t, http.MethodGet, "/meshtable/objects/card-1/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "card-1")
	assert.Contains(t, w.Header().Get("Content-Type"), "xml")

	w = f.do(t, http.MethodDelete, "/meshtable/objects/card-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodDelete, "/meshtable/objects/card-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/meshtable/objects/card-1", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	w = f.do(t, http.MethodGet, "/meshtable/objects/never", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodDelete, "/meshtable/objects/never", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateObjectGeneratesIdentifier(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/meshtable/objects", map[string]any{"type": "token"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[map[string]any](t, w)
	id, _ := created["identifier"].(string)
	assert.Regexp(t, `^token-`, id)
	assert.True(t, f.store.Exists(id))
}

func TestCreateObjectRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/meshtable/objects", map[string]any{"identifier": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/meshtable/objects", map[string]any{
		"type":       "card",
		"attributes": map[string]any{"x": map[string]string{"kind": "number", "value": "abc"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/meshtable/objects", map[string]any{
		"type":       "card",
		"attributes": map[string]any{"x": map[string]string{"kind": "vector", "value": "1"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListObjectsFiltersByType(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Add(object.New("a", "card")))
	require.NoError(t, f.store.Add(object.New("b", "token")))
	require.NoError(t, f.store.Add(object.New("c", "card")))

	w := f.do(t, http.MethodGet, "/meshtable/objects?type=card", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0]["identifier"])
	assert.Equal(t, "c", list[1]["identifier"])

	w = f.do(t, http.MethodGet, "/meshtable/objects", nil)
	assert.Len(t, decode[[]map[string]any](t, w), 3)
}

func TestSavesAndTrash(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Add(object.New("deck", "deck")))
	card := object.New("card", "card")
	card.Parent = "deck"
	require.NoError(t, f.store.Add(card))

	w := f.do(t, http.MethodPost, "/meshtable/saves/bad$name", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/meshtable/saves/deck-only", map[string]string{"rootId": "deck"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	info := decode[map[string]any](t, w)
	assert.Equal(t, storage.KindObject, info["kind"])
	assert.EqualValues(t, 2, info["objects"])

	w = f.do(t, http.MethodGet, "/meshtable/saves", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 1)

	w = f.do(t, http.MethodDelete, "/meshtable/objects/deck", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/meshtable/trash", nil)
		return len(decode[[]map[string]any](t, w)) == 1
	}, time.Second, 5*time.Millisecond)

	w = f.do(t, http.MethodPost, "/meshtable/trash/deck/restore", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	restored := decode[map[string]any](t, w)
	assert.NotEqual(t, "deck", restored["identifier"])

	w = f.do(t, http.MethodPost, "/meshtable/saves/deck-only/restore", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[[]map[string]any](t, w), 2)

	w = f.do(t, http.MethodDelete, "/meshtable/saves/deck-only", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodPost, "/meshtable/saves/deck-only/restore", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/meshtable/trash/nothing/restore", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoomOpenAndClose(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/meshtable/room", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.StateClosed.String(), decode[map[string]any](t, w)["state"])

	w = f.do(t, http.MethodPost, "/meshtable/room/open", map[string]string{"password": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/meshtable/room/open", map[string]string{"name": "Tavern", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	opened := decode[map[string]any](t, w)
	assert.Equal(t, session.StateOpen.String(), opened["state"])

	w = f.do(t, http.MethodGet, "/meshtable/room", nil)
	room := decode[map[string]any](t, w)
	ctx, _ := room["context"].(map[string]any)
	assert.Equal(t, "Tavern", ctx["roomName"])
	assert.Equal(t, true, ctx["isPrivate"])
	assert.NotContains(t, ctx, "password")

	w = f.do(t, http.MethodPost, "/meshtable/room/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.rooms.closed)
	assert.Equal(t, session.StateClosed.String(), decode[map[string]any](t, w)["state"])
}

func TestOpenRoomRejectsLongIdentifiers(t *testing.T) {
	f := newFixture(t)
	long := make([]byte, 60)
	for i := range long {
		long[i] = 'n'
	}
	w := f.do(t, http.MethodPost, "/meshtable/room/open", map[string]string{"name": string(long), "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDerive(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/meshtable/identity/derive?room=Tavern&password=pw", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[map[string]any](t, w)
	assert.Equal(t, identity.Derive(identity.DefaultRoomID, "Tavern", "pw"), out["rendezvous"])
	assert.Equal(t, "Tavern", out["roomName"])
	assert.Equal(t, true, out["isPrivate"])
	assert.Equal(t, true, out["valid"])

	w = f.do(t, http.MethodGet, "/meshtable/identity/derive?room=Tavern&roomID=rabcdefg", nil)
	out = decode[map[string]any](t, w)
	assert.Equal(t, "rabcdefg", out["roomId"])
	assert.Equal(t, false, out["isPrivate"])

	w = f.do(t, http.MethodGet, "/meshtable/identity/derive", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateObjectIsOneWrite(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Add(object.New("deck", "deck")))
	require.NoError(t, f.store.Add(object.New("card", "card").With("old", object.Bool(true))))
	before, _ := f.store.Get("card")

	w := f.do(t, http.MethodPut, "/meshtable/objects/card", map[string]any{
		"attributes": map[string]any{"x": map[string]string{"kind": "number", "value": "1"}},
		"unset":      []string{"old"},
		"parent":     "deck",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	after, _ := f.store.Get("card")
	assert.Equal(t, before.Version+1, after.Version)
	assert.Equal(t, "deck", after.Parent)
	assert.NotContains(t, after.Attributes, "old")

	// moving deck under its own child fails and changes nothing
	w = f.do(t, http.MethodPut, "/meshtable/objects/deck", map[string]any{
		"attributes": map[string]any{"x": map[string]string{"kind": "number", "value": "2"}},
		"parent":     "card",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	deck, _ := f.store.Get("deck")
	assert.NotContains(t, deck.Attributes, "x")
	assert.Empty(t, deck.Parent)
}

func TestCreateObjectRejectsUnencodableText(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/meshtable/objects", map[string]any{
		"identifier": "note-1",
		"type":       "note",
		"attributes": map[string]any{"text": map[string]string{"value": "hp\u0001"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, f.store.Exists("note-1"))
}

func TestSwaggerUI(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/meshtable/swagger-ui/index.html", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/meshtable/swagger-ui/doc.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode[map[string]any](t, w)
	assert.Equal(t, "/meshtable", doc["basePath"])
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/objects/{id}")
}

func TestChildrenAndReferences(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Add(object.New("table", "table")))
	hand := object.New("hand", "hand").With("deck", object.Ref("deck-1"))
	hand.Parent = "table"
	require.NoError(t, f.store.Add(hand))

	w := f.do(t, http.MethodGet, "/meshtable/objects/table/children", nil)
	require.Equal(t, http.StatusOK, w.Code)
	kids := decode[[]map[string]any](t, w)
	require.Len(t, kids, 1)
	assert.Equal(t, "hand", kids[0]["identifier"])
	assert.Equal(t, []any{"table", "deck-1"}, kids[0]["references"])

	w = f.do(t, http.MethodGet, "/meshtable/objects/hand/children", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/meshtable/objects/nope/children", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
