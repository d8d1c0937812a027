package board

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/kanbeast/kanbeast/pkg/config"
	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

// API is the board's HTTP surface: ticket CRUD, status transitions, the
// activity log, conversation listings, and settings.
type API struct {
	board *Service
	store *conversation.Store

	settingsMu sync.Mutex
	settings   *config.Settings
	// OnSettingsChanged runs after a successful settings PUT, outside the
	// settings lock. The server refreshes the LLM registry here.
	OnSettingsChanged func(s *config.Settings)
}

func NewAPI(board *Service, store *conversation.Store, settings *config.Settings) *API {
	return &API{board: board, store: store, settings: settings}
}

// Routes registers all endpoints on a fresh mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tickets", a.listTickets)
	mux.HandleFunc("POST /api/tickets", a.createTicket)
	mux.HandleFunc("GET /api/tickets/{id}", a.getTicket)
	mux.HandleFunc("PUT /api/tickets/{id}", a.updateTicket)
	mux.HandleFunc("DELETE /api/tickets/{id}", a.deleteTicket)
	mux.HandleFunc("PATCH /api/tickets/{id}/status", a.setStatus)
	mux.HandleFunc("POST /api/tickets/{id}/tasks", a.addTask)
	mux.HandleFunc("POST /api/tickets/{id}/subtasks", a.addSubtask)
	mux.HandleFunc("PATCH /api/tickets/{id}/subtasks/{subtaskId}/status", a.setSubtaskStatus)
	mux.HandleFunc("POST /api/tickets/{id}/activity", a.appendActivity)
	mux.HandleFunc("POST /api/tickets/{id}/cost", a.addCost)
	mux.HandleFunc("GET /api/tickets/{id}/conversations", a.listConversations)
	mux.HandleFunc("GET /api/settings", a.getSettings)
	mux.HandleFunc("PUT /api/settings", a.putSettings)
	mux.HandleFunc("POST /api/llms/{id}/notes", a.updateLlmNotes)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.WarnCF("api", "Failed to encode response", map[string]any{"error": err.Error()})
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (a *API) listTickets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.board.List())
}

func (a *API) createTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title        string  `json:"title"`
		Description  string  `json:"description"`
		Branch       string  `json:"branch"`
		PlannerLlmID string  `json:"plannerLlmId"`
		MaxCost      float64 `json:"maxCost"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}
	t := a.board.Create(body.Title, body.Description, body.Branch, body.PlannerLlmID, body.MaxCost)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) getTicket(w http.ResponseWriter, r *http.Request) {
	t, err := a.board.GetTicket(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) updateTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title        string   `json:"title"`
		Description  string   `json:"description"`
		Branch       string   `json:"branch"`
		PlannerLlmID string   `json:"plannerLlmId"`
		MaxCost      *float64 `json:"maxCost"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	t, err := a.board.Update(r.PathValue("id"), func(t *models.Ticket) {
		if body.Title != "" {
			t.Title = body.Title
		}
		if body.Description != "" {
			t.Description = body.Description
		}
		if body.Branch != "" {
			t.Branch = body.Branch
		}
		if body.PlannerLlmID != "" {
			t.PlannerLlmID = body.PlannerLlmID
		}
		if body.MaxCost != nil {
			t.MaxCost = *body.MaxCost
		}
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) deleteTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.board.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if a.store != nil {
		if err := a.store.DeleteForTicket(id); err != nil {
			logger.WarnCF("api", "Failed to delete conversations",
				map[string]any{"ticket_id": id, "error": err.Error()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (a *API) setStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.TicketStatus `json:"status"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := a.board.SetTicketStatus(r.PathValue("id"), body.Status); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	t, err := a.board.GetTicket(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) addTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	task, err := a.board.AddTask(r.PathValue("id"), body.Name, body.Description)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) addSubtask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskName    string `json:"taskName"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	subtask, err := a.board.AddSubtask(r.PathValue("id"), body.TaskName, body.Name, body.Description)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusCreated, subtask)
}

func (a *API) setSubtaskStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.SubtaskStatus `json:"status"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := a.board.SetSubtaskStatus(r.PathValue("id"), r.PathValue("subtaskId"), body.Status); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

func (a *API) appendActivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Entry string `json:"entry"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := a.board.AppendActivity(r.PathValue("id"), body.Entry); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"appended": body.Entry})
}

func (a *API) addCost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cost float64 `json:"cost"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := a.board.AddLlmCost(r.PathValue("id"), body.Cost); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"cost": body.Cost})
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusOK, []models.ConversationInfo{})
		return
	}
	infos, err := a.store.GetInfoList(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if infos == nil {
		infos = []models.ConversationInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	a.settingsMu.Lock()
	defer a.settingsMu.Unlock()
	writeJSON(w, http.StatusOK, a.settings)
}

// putSettings is merge-only: fields are applied only when non-empty/non-zero,
// so partial updates never clear configuration.
func (a *API) putSettings(w http.ResponseWriter, r *http.Request) {
	var patch config.Settings
	if !readJSON(w, r, &patch) {
		return
	}

	a.settingsMu.Lock()
	a.settings.Merge(&patch)
	if err := a.settings.Save(); err != nil {
		a.settingsMu.Unlock()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	updated := *a.settings
	a.settingsMu.Unlock()

	if a.OnSettingsChanged != nil {
		a.OnSettingsChanged(&updated)
	}
	writeJSON(w, http.StatusOK, &updated)
}

func (a *API) updateLlmNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strengths  string `json:"strengths"`
		Weaknesses string `json:"weaknesses"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := a.board.UpdateLlmNotes(r.PathValue("id"), body.Strengths, body.Weaknesses); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"updated": r.PathValue("id")})
}
