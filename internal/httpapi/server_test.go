package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/tablekeep/campaignd/internal/broadcast"
	"github.com/tablekeep/campaignd/internal/campaign"
)

const testDMKey = "dm-secret"

func newTestServer(t *testing.T) (*Server, *campaign.Store) {
	t.Helper()
	store := campaign.NewStoreWithOptions(campaign.StoreOptions{
		Backend:      campaign.NewInMemoryBackend(),
		DefaultDMKey: testDMKey,
	})
	err := store.SaveShops(campaign.ShopsSection{
		Enabled: true,
		List: []campaign.Shop{{
			ID:   "shop-1",
			Name: "Rusty Anchor",
			Items: []campaign.ShopItem{
				{ID: "item-rope", Name: "Rope", Stock: campaign.FiniteStock(3)},
			},
		}},
	})
	if err != nil {
		t.Fatalf("seed shops failed: %v", err)
	}
	if _, err := store.CreateCharacter(campaign.Character{ID: "char-1", Name: "Brynn"}); err != nil {
		t.Fatalf("seed character failed: %v", err)
	}
	hub := broadcast.NewHub(time.Hour)
	t.Cleanup(hub.Close)
	store.SetOnCommit(hub.Broadcast)
	return NewServer(store, hub), store
}

type request struct {
	path  string
	body  string
	dmKey string
}

func doPost(t *testing.T, server *Server, req request) *httptest.ResponseRecorder {
	t.Helper()
	httpReq := httptest.NewRequest(http.MethodPost, req.path, bytes.NewBufferString(req.body))
	if req.dmKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.dmKey)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httpReq)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestHealthAndState(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc campaign.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("state did not decode: %v", err)
	}
	if len(doc.Shops.List) != 1 || doc.Shops.List[0].Name != "Rusty Anchor" {
		t.Fatalf("unexpected state: %+v", doc.Shops)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doPost(t, server, request{path: "/api/nope", body: "{}"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDMRoutesRejectMissingOrWrongKey(t *testing.T) {
	server, _ := newTestServer(t)

	for _, dmKey := range []string{"", "wrong"} {
		rec := doPost(t, server, request{path: "/api/clues/create", body: `{"title":"x"}`, dmKey: dmKey})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("dmKey=%q: expected 403, got %d", dmKey, rec.Code)
		}
	}
}

func TestShopBuyEndToEnd(t *testing.T) {
	server, store := newTestServer(t)

	rec := doPost(t, server, request{
		path: "/api/shop/buy",
		body: `{"characterId":"char-1","shopId":"shop-1","itemId":"item-rope","qty":1,"sessionName":"Brynn's Session"}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["ok"] != true {
		t.Fatalf("expected ok response, got %v", payload)
	}

	raw, err := json.Marshal(store.Snapshot().Shops.List[0].Items[0].Stock)
	if err != nil {
		t.Fatalf("marshal stock: %v", err)
	}
	if string(raw) != `"2"` {
		t.Fatalf("expected stock to serialize as \"2\", got %s", raw)
	}
	doc := store.Snapshot()
	if len(doc.Characters[0].Inventory) != 1 {
		t.Fatalf("expected one inventory line, got %+v", doc.Characters[0].Inventory)
	}
	if len(doc.Notifications.Items) != 1 || doc.Notifications.Items[0].From != "Brynn's Session" {
		t.Fatalf("unexpected notifications: %+v", doc.Notifications.Items)
	}
}

func TestShopBuyBusinessFailureIsOK200(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doPost(t, server, request{
		path: "/api/shop/buy",
		body: `{"characterId":"char-1","shopId":"shop-1","itemId":"item-rope","qty":9}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("business failures must be 200, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["ok"] != false || payload["error"] == "" {
		t.Fatalf("expected ok=false with an error message, got %v", payload)
	}
}

func TestShopBuyUnknownEntityIs404(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doPost(t, server, request{
		path: "/api/shop/buy",
		body: `{"characterId":"char-1","shopId":"shop-1","itemId":"missing","qty":1}`,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestShopBuyMalformedPayloadIs400(t *testing.T) {
	server, store := newTestServer(t)
	before := store.Snapshot()

	for _, body := range []string{
		`{"characterId":"char-1"}`,
		`{"characterId":"char-1","shopId":"shop-1","itemId":"item-rope","qty":0}`,
		`not json`,
	} {
		rec := doPost(t, server, request{path: "/api/shop/buy", body: body})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}

	after := store.Snapshot()
	if len(after.Notifications.Items) != len(before.Notifications.Items) {
		t.Fatalf("rejected payloads must not mutate state")
	}
}

func TestOversizedBodyIs413(t *testing.T) {
	store := campaign.NewStoreWithOptions(campaign.StoreOptions{Backend: campaign.NewInMemoryBackend()})
	hub := broadcast.NewHub(time.Hour)
	defer hub.Close()
	server := NewServerWithConfig(store, hub, ServerConfig{MaxBodyBytes: 64})

	big := bytes.Repeat([]byte("a"), 200)
	rec := doPost(t, server, request{path: "/api/shop/buy", body: `{"pad":"` + string(big) + `"}`})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestClueLifecycleOverHTTP(t *testing.T) {
	server, store := newTestServer(t)

	rec := doPost(t, server, request{path: "/api/clues/create", body: `{"title":"Torn ledger page"}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	clue, ok := payload["clue"].(map[string]any)
	if !ok {
		t.Fatalf("create response missing clue: %v", payload)
	}
	if clue["visibility"] != campaign.ClueHidden {
		t.Fatalf("new clue must be hidden, got %v", clue["visibility"])
	}

	rec = doPost(t, server, request{path: "/api/clues/visibility", body: `{"id":1,"visibility":"revealed"}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("reveal: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if revealed := store.Snapshot().RevealedClues(); len(revealed) != 1 {
		t.Fatalf("expected one revealed clue, got %+v", revealed)
	}

	rec = doPost(t, server, request{path: "/api/clues/archive", body: `{"id":1}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d", rec.Code)
	}
	rec = doPost(t, server, request{path: "/api/clues/restore", body: `{"id":1}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("restore: expected 200, got %d", rec.Code)
	}
	rec = doPost(t, server, request{path: "/api/clues/delete", body: `{"id":1}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	rec = doPost(t, server, request{path: "/api/clues/delete", body: `{"id":1}`, dmKey: testDMKey})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestNotifyAndResolveFlow(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doPost(t, server, request{path: "/api/notify", body: `{"type":"Intel","detail":"heard a rumor","from":"Pip"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("notify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	n, ok := payload["notification"].(map[string]any)
	if !ok {
		t.Fatalf("notify response missing notification: %v", payload)
	}
	id := int(n["id"].(float64))

	rec = doPost(t, server, request{path: "/api/notifications/resolve", body: `{"id":1}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve notification %d: expected 200, got %d", id, rec.Code)
	}

	rec = doPost(t, server, request{path: "/api/notifications/clear", body: `{}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: expected 200, got %d", rec.Code)
	}
	if removed := decodeBody(t, rec)["removed"]; removed != float64(1) {
		t.Fatalf("expected removed=1, got %v", removed)
	}
}

func TestSettingsSaveRotatesKey(t *testing.T) {
	server, store := newTestServer(t)

	rec := doPost(t, server, request{path: "/api/settings/save", body: `{"dmKey":"rotated"}`, dmKey: testDMKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.DMKey() != "rotated" {
		t.Fatalf("key not rotated")
	}

	// The old key no longer authorizes.
	rec = doPost(t, server, request{path: "/api/clues/create", body: `{"title":"x"}`, dmKey: testDMKey})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("old key must be rejected after rotation, got %d", rec.Code)
	}
}

func TestStreamDeliversHelloThenUpdate(t *testing.T) {
	server, store := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/api/stream", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEvent := func() string {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		var sig struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(data, &sig); err != nil {
			t.Fatalf("bad signal %q: %v", data, err)
		}
		return sig.Event
	}

	if got := readEvent(); got != string(broadcast.SignalHello) {
		t.Fatalf("expected hello first, got %q", got)
	}

	if _, err := store.Notify("Intel", "something happened", ""); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if got := readEvent(); got != string(broadcast.SignalUpdate) {
		t.Fatalf("expected update after mutation, got %q", got)
	}
}

func TestDMKeyMatching(t *testing.T) {
	if dmKeyMatches("", "stored") {
		t.Fatalf("empty presented key must not match")
	}
	if dmKeyMatches("anything", "") {
		t.Fatalf("empty stored key must never authorize")
	}
	if !dmKeyMatches("secret", "secret") {
		t.Fatalf("equal keys must match")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/clues/create", nil)
	req.Header.Set("Authorization", "Bearer  abc ")
	if got := dmKeyFromRequest(req); got != "abc" {
		t.Fatalf("bearer prefix and whitespace must be stripped, got %q", got)
	}
	req.Header.Set("Authorization", "rawkey")
	if got := dmKeyFromRequest(req); got != "rawkey" {
		t.Fatalf("bare key must pass through, got %q", got)
	}
}

func TestSchemaValidation(t *testing.T) {
	set := defaultSchemas
	if err := set.validate("shop_buy", []byte(`{"characterId":"c","shopId":"s","itemId":"i","qty":1}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := set.validate("shop_buy", []byte(`{"characterId":"c"}`)); err == nil {
		t.Fatalf("missing fields must fail validation")
	}
	if err := set.validate("clue_visibility", []byte(`{"id":1,"visibility":"public"}`)); err == nil {
		t.Fatalf("out-of-enum visibility must fail validation")
	}
	if err := set.validate("unknown", []byte(`{}`)); err == nil {
		t.Fatalf("unknown schema name must fail")
	}
}
