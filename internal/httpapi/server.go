// Package httpapi routes mutation requests to the campaign store and exposes
// the push channel viewers subscribe to. Authorization is a single shared
// secret: whoever presents the DM key is the DM, everyone else is a player.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/tablekeep/campaignd/internal/broadcast"
	"github.com/tablekeep/campaignd/internal/campaign"
)

type ServerConfig struct {
	MaxBodyBytes int64
	WriteTimeout time.Duration
}

type Server struct {
	store   *campaign.Store
	hub     *broadcast.Hub
	cfg     ServerConfig
	schemas *schemaSet
}

func NewServer(store *campaign.Store, hub *broadcast.Hub) *Server {
	return NewServerWithConfig(store, hub, ServerConfig{})
}

func NewServerWithConfig(store *campaign.Store, hub *broadcast.Hub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		store:   store,
		hub:     hub,
		cfg:     cfg,
		schemas: defaultSchemas,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		switch r.URL.Path {
		case "/health":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case "/api/state":
			writeJSON(w, http.StatusOK, s.store.Snapshot())
		case "/api/stream":
			s.handleStream(w, r)
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found")
		}
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch r.URL.Path {
	case "/api/shop/buy":
		s.handleShopBuy(w, r)
	case "/api/shops/save":
		s.handleShopsSave(w, r)
	case "/api/characters/create":
		s.handleCharacterCreate(w, r)
	case "/api/characters/save":
		s.handleCharacterSave(w, r)
	case "/api/characters/delete":
		s.handleCharacterDelete(w, r)
	case "/api/notify":
		s.handleNotify(w, r)
	case "/api/notifications/save":
		s.handleNotificationsSave(w, r)
	case "/api/notifications/resolve":
		s.handleNotificationResolve(w, r)
	case "/api/notifications/clear":
		s.handleNotificationsClear(w, r)
	case "/api/clues/create":
		s.handleClueCreate(w, r)
	case "/api/clues/update":
		s.handleClueUpdate(w, r)
	case "/api/clues/visibility":
		s.handleClueVisibility(w, r)
	case "/api/clues/archive":
		s.handleClueArchive(w, r)
	case "/api/clues/restore":
		s.handleClueRestore(w, r)
	case "/api/clues/delete":
		s.handleClueDelete(w, r)
	case "/api/settings/save":
		s.handleSettingsSave(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// requireDM enforces the shared-secret check for administrative mutations.
// The comparison result is independent of the mutation's business outcome.
func (s *Server) requireDM(w http.ResponseWriter, r *http.Request) bool {
	if dmKeyMatches(dmKeyFromRequest(r), s.store.DMKey()) {
		return true
	}
	writeError(w, http.StatusForbidden, "forbidden", "dm key required")
	return false
}

func (s *Server) handleShopBuy(w http.ResponseWriter, r *http.Request) {
	var req campaign.PurchaseRequest
	if !s.decodeValidated(w, r, "shop_buy", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.PurchaseItem(req))
}

func (s *Server) handleShopsSave(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		Shops campaign.ShopsSection `json:"shops"`
	}
	if !s.decodeValidated(w, r, "shops_save", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.SaveShops(req.Shops))
}

func (s *Server) handleCharacterCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Character campaign.Character `json:"character"`
	}
	if !s.decodeValidated(w, r, "character", &req) {
		return
	}
	created, err := s.store.CreateCharacter(req.Character)
	if err != nil {
		s.writeMutationOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "character": created})
}

func (s *Server) handleCharacterSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Character campaign.Character `json:"character"`
	}
	if !s.decodeValidated(w, r, "character", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.SaveCharacter(req.Character))
}

func (s *Server) handleCharacterDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !s.decodeValidated(w, r, "id_string", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.DeleteCharacter(req.ID))
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
		From   string `json:"from"`
	}
	if !s.decodeValidated(w, r, "notify", &req) {
		return
	}
	filed, err := s.store.Notify(req.Type, req.Detail, req.From)
	if err != nil {
		s.writeMutationOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notification": filed})
}

func (s *Server) handleNotificationsSave(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		Notifications []campaign.Notification `json:"notifications"`
	}
	if !s.decodeValidated(w, r, "notifications_save", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.SaveNotifications(req.Notifications))
}

func (s *Server) handleNotificationResolve(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		ID int `json:"id"`
	}
	if !s.decodeValidated(w, r, "id_int", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.ResolveNotification(req.ID))
}

func (s *Server) handleNotificationsClear(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	removed, err := s.store.ClearResolved()
	if err != nil {
		s.writeMutationOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (s *Server) handleClueCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req campaign.Clue
	if !s.decodeValidated(w, r, "clue_create", &req) {
		return
	}
	created, err := s.store.CreateClue(req)
	if err != nil {
		s.writeMutationOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "clue": created})
}

func (s *Server) handleClueUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req campaign.Clue
	if !s.decodeValidated(w, r, "clue_update", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.UpdateClue(req))
}

func (s *Server) handleClueVisibility(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		ID         int    `json:"id"`
		Visibility string `json:"visibility"`
	}
	if !s.decodeValidated(w, r, "clue_visibility", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.SetClueVisibility(req.ID, req.Visibility))
}

func (s *Server) handleClueArchive(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		ID int `json:"id"`
	}
	if !s.decodeValidated(w, r, "id_int", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.ArchiveClue(req.ID))
}

func (s *Server) handleClueRestore(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		ID int `json:"id"`
	}
	if !s.decodeValidated(w, r, "id_int", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.RestoreClue(req.ID))
}

func (s *Server) handleClueDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req struct {
		ID int `json:"id"`
	}
	if !s.decodeValidated(w, r, "id_int", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.DeleteClue(req.ID))
}

func (s *Server) handleSettingsSave(w http.ResponseWriter, r *http.Request) {
	if !s.requireDM(w, r) {
		return
	}
	var req campaign.SettingsUpdate
	if !s.decodeValidated(w, r, "settings_save", &req) {
		return
	}
	s.writeMutationOutcome(w, s.store.UpdateSettings(req))
}

type streamEvent struct {
	Event string `json:"event"`
}

// handleStream upgrades to a websocket and relays hub signals. The channel
// carries no document content; viewers refetch on update. A viewer that
// stops reading is disconnected by the write timeout without affecting
// anyone else.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	signals, cancel := s.hub.Subscribe()
	defer cancel()

	// CloseRead pumps control frames and cancels the context when the peer
	// goes away.
	ctx := conn.CloseRead(r.Context())

	if err := s.writeSignal(ctx, conn, broadcast.SignalHello); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if err := s.writeSignal(ctx, conn, sig); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSignal(ctx context.Context, conn *websocket.Conn, sig broadcast.Signal) error {
	payload, err := json.Marshal(streamEvent{Event: string(sig)})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// writeMutationOutcome maps store errors onto the response contract: business
// rules are 200 {ok:false}, missing entities 404, malformed input 400.
func (s *Server) writeMutationOutcome(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, campaign.ErrAlreadyOwned),
		errors.Is(err, campaign.ErrInsufficientStock),
		errors.Is(err, campaign.ErrInvalidStock):
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
	case errors.Is(err, campaign.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

// decodeValidated reads the body, checks it against the named schema and
// unmarshals it. Any failure is reported as a validation error with no
// mutation performed.
func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
