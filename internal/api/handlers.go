package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/filebridge/relay/internal/rendezvous"
)

// ErrorResponse is the body of every non-2xx response except the 408
// timeout, which uses TimeoutResponse.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ServeRequest is the body of POST /api/relay/serve.
type ServeRequest struct {
	SenderFP   string `json:"senderFp" validate:"required"`
	ReceiverFP string `json:"receiverFp" validate:"required"`
	Filename   string `json:"filename" validate:"required"`
	FileSize   int64  `json:"fileSize" validate:"gte=0"`
	Signature  string `json:"signature" validate:"required"`
	FileHash   string `json:"fileHash" validate:"required"`
}

// ServeResponse is the success body of POST /api/relay/serve.
type ServeResponse struct {
	Status     string `json:"status"`
	SessionID  string `json:"sessionId"`
	SocketPort int    `json:"socketPort"`
	Message    string `json:"message"`
	ExpiresIn  int64  `json:"expiresIn"`
}

// ListenRequest is the body of POST /api/relay/listen.
type ListenRequest struct {
	ReceiverFP string `json:"receiverFp" validate:"required"`
}

// ListenResponse is the success body of POST /api/relay/listen.
type ListenResponse struct {
	Status     string `json:"status"`
	SessionID  string `json:"sessionId"`
	SenderFP   string `json:"senderFp"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"fileSize"`
	Signature  string `json:"signature"`
	FileHash   string `json:"fileHash"`
	SocketPort int    `json:"socketPort"`
	Message    string `json:"message"`
}

// TimeoutResponse is the 408 body both blocking endpoints share.
type TimeoutResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	var req ServeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	sess, err := s.rendezvous.Initiate(r.Context(), req.SenderFP, req.ReceiverFP, req.Filename, req.FileSize, req.Signature, req.FileHash)
	if err != nil {
		s.respondRendezvousError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ServeResponse{
		Status:     "matched",
		SessionID:  sess.ID,
		SocketPort: s.socketPort,
		Message:    "counterpart found, proceed to socket handshake",
		ExpiresIn:  sess.ExpiresAt.Sub(s.now()).Milliseconds(),
	})
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	var req ListenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	sess, err := s.rendezvous.Listen(r.Context(), req.ReceiverFP)
	if err != nil {
		s.respondRendezvousError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ListenResponse{
		Status:     "matched",
		SessionID:  sess.ID,
		SenderFP:   sess.SenderFP,
		Filename:   sess.Filename,
		FileSize:   sess.FileSize,
		Signature:  sess.Signature,
		FileHash:   sess.FileHash,
		SocketPort: s.socketPort,
		Message:    "counterpart found, proceed to socket handshake",
	})
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	s.reg.CompleteSession(sessionID)
	respondJSON(w, http.StatusOK, map[string]string{"message": "Session completed"})
}

// respondRendezvousError maps the sentinel/typed errors Initiate and Listen
// return into the HTTP statuses spec.md §7 assigns them.
func (s *Server) respondRendezvousError(w http.ResponseWriter, err error) {
	var invalid *rendezvous.InvalidArgumentError
	switch {
	case errors.As(err, &invalid):
		respondError(w, http.StatusBadRequest, "invalid_request", invalid.Error())
	case errors.Is(err, rendezvous.ErrTimeout):
		respondJSON(w, http.StatusRequestTimeout, TimeoutResponse{
			Status:  "timeout",
			Message: "no counterpart arrived within the blocking timeout",
		})
	case errors.Is(err, rendezvous.ErrConflict):
		respondError(w, http.StatusConflict, "conflict", "a listener is already waiting for this receiver fingerprint")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errCode, message string) {
	respondJSON(w, status, ErrorResponse{Error: errCode, Message: message})
}
