package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/auth"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/service"
)

// ChatHandler exposes a user's conversation in one category.
//
// Every route here sits behind auth.RequireUser, so the user ID is always
// in the request context by the time a handler runs. The category comes
// from the URL ({category}) and is validated by the service.
type ChatHandler struct {
	conversations *service.ConversationService
}

// NewChatHandler creates a ChatHandler. Failures are logged by writeError.
func NewChatHandler(conversations *service.ConversationService) *ChatHandler {
	return &ChatHandler{conversations: conversations}
}

// HistoryResponse is returned by the history and start endpoints.
type HistoryResponse struct {
	History     []model.Turn `json:"history"`
	PromptLogin bool         `json:"promptLogin"`
}

// RecordRequest is the body of POST /api/chat/{category}.
type RecordRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TurnRequest is the body of POST /api/chat/{category}/turn.
type TurnRequest struct {
	Text string `json:"text"`
}

// TurnResponse carries the model's reply.
type TurnResponse struct {
	Reply       string `json:"reply"`
	PromptLogin bool   `json:"promptLogin"`
}

// CategoriesResponse is the body of GET /api/categories.
type CategoriesResponse struct {
	Categories []model.CategoryInfo `json:"categories"`
}

// HandleHistory returns the conversation oldest first.
//
// HTTP: GET /api/chat/{category}
// RESPONSE: {"history":[{"role":"model","text":"..."}],"promptLogin":false}
func (h *ChatHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, category := requestScope(r)

	history, err := h.conversations.History(r.Context(), userID, category)
	if err != nil {
		writeError(w, r, err)
		return
	}

	prompt, err := h.conversations.PromptLogin(r.Context(), userID, category)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{History: history, PromptLogin: prompt})
}

// HandleRecord appends one client-supplied turn verbatim.
//
// HTTP: POST /api/chat/{category}
// REQUEST BODY: {"role":"user","text":"..."}
func (h *ChatHandler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	userID, category := requestScope(r)

	var req RecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.conversations.Record(r.Context(), userID, category, model.Role(req.Role), req.Text); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleStart opens a journey, generating the greeting on the first visit.
//
// HTTP: POST /api/chat/{category}/start
func (h *ChatHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID, category := requestScope(r)

	history, err := h.conversations.Start(r.Context(), userID, category)
	if err != nil {
		writeError(w, r, err)
		return
	}

	prompt, err := h.conversations.PromptLogin(r.Context(), userID, category)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{History: history, PromptLogin: prompt})
}

// HandleTurn sends one user message and returns the reply.
//
// HTTP: POST /api/chat/{category}/turn
// REQUEST BODY: {"text":"..."}
//
// A generator failure still answers 200: the reply is then the stored
// fallback text.
func (h *ChatHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	userID, category := requestScope(r)

	var req TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	reply, err := h.conversations.Turn(r.Context(), userID, category, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TurnResponse{Reply: reply.Text, PromptLogin: reply.PromptLogin})
}

// HandleCategories lists the categories and their descriptions.
//
// HTTP: GET /api/categories
func (h *ChatHandler) HandleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CategoriesResponse{Categories: model.Categories})
}

// requestScope reads the authenticated user and the {category} URL param.
func requestScope(r *http.Request) (string, model.Category) {
	userID, _ := auth.UserIDFromContext(r.Context())
	return userID, model.Category(chi.URLParam(r, "category"))
}

// requireScope is requestScope for handlers that can't rely on the router
// having applied RequireUser.
func requireScope(r *http.Request) (string, model.Category, error) {
	userID, category := requestScope(r)
	if userID == "" {
		return "", "", apperror.Unauthorized("no session")
	}
	return userID, category, nil
}
