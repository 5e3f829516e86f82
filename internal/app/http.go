package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"chatsync/pkg/engine"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/persist"
	"chatsync/pkg/transport"
)

func (a *App) registerRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/conversations/{conv}/messages", a.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{conv}/messages", a.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{conv}/messages/{id}", a.updateMessage).Methods(http.MethodPut)
	r.HandleFunc("/v1/threads/{user}", a.listThreads).Methods(http.MethodGet)
	r.HandleFunc("/v1/profiles/{id}", a.putProfile).Methods(http.MethodPut)
	r.HandleFunc("/v1/profiles/{id}", a.getProfile).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *App) createMessage(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m.Conversation = conv
	if m.Sender == "" {
		writeError(w, http.StatusBadRequest, "sender required")
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UTC().UnixNano()
	}
	if m.Status == "" || m.Status == models.StatusPending {
		m.Status = models.StatusSent
	}
	if err := a.store.SaveMessage(m); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.bumpThreadRows(m)
	a.fanout(transport.EventInsert, m)
	writeJSON(w, http.StatusOK, m)
}

func (a *App) listMessages(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	var before int64
	if s := r.URL.Query().Get("before"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			before = n
		}
	}
	msgs, more, err := a.store.ListMessages(conv, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "has_more": more})
}

func (a *App) updateMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Status      models.LocalStatus `json:"status"`
		DeliveredAt int64              `json:"delivered_at"`
		ReadAt      int64              `json:"read_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	patch := models.MessagePatch{}
	if body.Status != "" {
		patch.Status = &body.Status
	}
	if body.DeliveredAt != 0 {
		patch.DeliveredAt = &body.DeliveredAt
	}
	if body.ReadAt != 0 {
		patch.ReadAt = &body.ReadAt
	}
	m, err := a.store.UpdateMessage(vars["conv"], vars["id"], patch)
	if err != nil {
		if err == persist.ErrNotFound {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.fanout(transport.EventUpdate, m)
	writeJSON(w, http.StatusOK, m)
}

func (a *App) listThreads(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	rows, err := a.store.ListThreadRows(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range rows {
		if p, err := a.store.GetProfile(rows[i].Participant); err == nil {
			rows[i].Profile = p
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": rows})
}

func (a *App) putProfile(w http.ResponseWriter, r *http.Request) {
	var p models.ParticipantProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p.ID = mux.Vars(r)["id"]
	if err := a.store.SaveProfile(p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetProfile(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// bumpThreadRows maintains the per-user summary rows a message touches:
// the recipient's unread count grows, both rows get the new preview.
func (a *App) bumpThreadRows(m models.Message) {
	update := func(user, participant string, unreadDelta int) {
		rows, _ := a.store.ListThreadRows(user)
		var row models.Thread
		for _, th := range rows {
			if th.Participant == participant {
				row = th
				break
			}
		}
		row.Participant = participant
		mm := m
		row.LastMessage = &mm
		row.UnreadCount += unreadDelta
		if m.CreatedAt > row.UpdatedTS {
			row.UpdatedTS = m.CreatedAt
		}
		if err := a.store.SaveThreadRow(user, row); err != nil {
			logger.Warn("thread_row_save_failed", "user", user, "error", err)
		}
	}
	update(m.Sender, m.Recipient, 0)
	update(m.Recipient, m.Sender, 1)
}

// fanout publishes a record change on the conversation topic and on both
// participants' aggregate topics.
func (a *App) fanout(t transport.EventType, m models.Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	ev := transport.Event{Type: t, Tag: m.Conversation, Payload: payload}
	topics := []string{engine.ConversationTopic(m.Conversation), engine.ThreadTopic(m.Sender)}
	if m.Recipient != "" {
		topics = append(topics, engine.ThreadTopic(m.Recipient))
	}
	for _, topic := range topics {
		a.hub.Publish(topic, ev)
		a.mirrorPublish(topic, ev)
	}
}
