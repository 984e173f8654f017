// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/stacklok/mcp-assistant/pkg/api/errors"
	"github.com/stacklok/mcp-assistant/pkg/assistant/orchestrator"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// ChatRoutes defines the routes for chatting with the assistant.
type ChatRoutes struct {
	chat  ChatService
	store ConversationStore
}

// ChatRouter creates a new router for the chat API.
func ChatRouter(chat ChatService, store ConversationStore) http.Handler {
	routes := ChatRoutes{
		chat:  chat,
		store: store,
	}

	r := chi.NewRouter()
	r.Post("/", routes.chatStateless)
	r.Post("/conversation", routes.chatInConversation)
	r.Post("/system", routes.chatWithSystemPrompt)
	r.Delete("/conversation/{id}", apierrors.ErrorHandler(routes.clearConversation))
	return r
}

// chatStateless
//
//	@Summary		Send a chat message
//	@Description	Send a stateless chat message to the assistant
//	@Tags			chat
//	@Accept			json
//	@Produce		json
//	@Param			request	body		chatRequest		true	"Chat request"
//	@Success		200		{object}	chatResponse
//	@Failure		400		{object}	chatResponse
//	@Failure		503		{object}	chatResponse
//	@Router			/api/chat [post]
func (s *ChatRoutes) chatStateless(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		s.writeChatFailure(w, err)
		return
	}
	logger.Debugw("received chat request", "length", len(req.Message))

	res, err := s.chat.HandleTurn(r.Context(), orchestrator.TurnRequest{Message: req.Message, Ephemeral: true})
	if err != nil {
		s.writeChatFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Response:          res.Response,
		Success:           true,
		ToolLoopExhausted: res.ToolLoopExhausted,
	})
}

// chatWithSystemPrompt
//
//	@Summary		Send a chat message with a system prompt
//	@Description	Send a stateless chat message that uses its own system prompt
//	@Tags			chat
//	@Accept			json
//	@Produce		json
//	@Param			request	body		systemChatRequest	true	"Chat request"
//	@Success		200		{object}	chatResponse
//	@Failure		400		{object}	chatResponse
//	@Router			/api/chat/system [post]
func (s *ChatRoutes) chatWithSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req systemChatRequest
	if err := decode(r, &req); err != nil {
		s.writeChatFailure(w, err)
		return
	}

	res, err := s.chat.HandleTurn(r.Context(), orchestrator.TurnRequest{
		Message:      req.Message,
		SystemPrompt: req.SystemPrompt,
		Ephemeral:    true,
	})
	if err != nil {
		s.writeChatFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Response:          res.Response,
		Success:           true,
		ToolLoopExhausted: res.ToolLoopExhausted,
	})
}

// chatInConversation
//
//	@Summary		Send a message in a conversation
//	@Description	Send a message that is answered in the context of a conversation
//	@Tags			chat
//	@Accept			json
//	@Produce		json
//	@Param			request	body		conversationRequest	true	"Conversation request"
//	@Success		200		{object}	conversationResponse
//	@Failure		409		{object}	conversationResponse
//	@Router			/api/chat/conversation [post]
func (s *ChatRoutes) chatInConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decode(r, &req); err != nil {
		code, message := apierrors.Status(err)
		writeJSON(w, code, conversationResponse{Response: ErrorReply, Error: message})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	logger.Debugw("received conversation chat request", "conversation", req.ConversationID)

	res, err := s.chat.HandleTurn(r.Context(), orchestrator.TurnRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		logger.Warnw("conversation chat failed", "conversation", req.ConversationID, "error", err)
		code, message := apierrors.Status(err)
		writeJSON(w, code, conversationResponse{
			Response:       ErrorReply,
			ConversationID: req.ConversationID,
			Error:          message,
		})
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		Response:          res.Response,
		ConversationID:    res.ConversationID,
		Success:           true,
		ToolLoopExhausted: res.ToolLoopExhausted,
	})
}

// clearConversation
//
//	@Summary		Clear a conversation
//	@Description	Delete a conversation; deleting an unknown conversation succeeds
//	@Tags			chat
//	@Produce		json
//	@Param			id	path		string	true	"Conversation ID"
//	@Success		200	{object}	clearConversationResponse
//	@Router			/api/chat/conversation/{id} [delete]
func (s *ChatRoutes) clearConversation(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if id == "" {
		return thverrors.NewInvalidArgumentError("conversation id is required", nil)
	}
	removed := s.store.Delete(id)
	logger.Infow("cleared conversation", "conversation", id, "existed", removed)

	writeJSON(w, http.StatusOK, clearConversationResponse{
		Success:        true,
		Message:        "Conversation cleared",
		ConversationID: id,
	})
	return nil
}

func (*ChatRoutes) writeChatFailure(w http.ResponseWriter, err error) {
	code, message := apierrors.Status(err)
	if code >= http.StatusInternalServerError {
		logger.Warnw("chat request failed", "error", err)
	}
	writeJSON(w, code, chatResponse{Response: ErrorReply, Error: message})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return thverrors.NewInvalidArgumentError(fmt.Sprintf("failed to decode request: %v", err), nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}
