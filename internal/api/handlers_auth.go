package api

import (
	"net/http"

	"github.com/review-anchor/internal/service"
)

// handleNonce handles POST /auth/nonce - Issue a SIWE challenge
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	var req service.NonceRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	req.RequestHost = r.Host

	resp, err := s.auth.IssueNonce(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleVerify handles POST /auth/token and /auth/verify - Exchange a signed message for a token
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Message == "" || req.Signature == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "message and signature are required", nil)
		return
	}

	resp, err := s.auth.Verify(r.Context(), req.Message, req.Signature, r.Host)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, resp)
}

// handleLogout handles POST /auth/logout - Revoke the current session
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := s.auth.Logout(r.Context(), p.SessionTokenID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe handles GET /auth/me - Current user
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.auth.CurrentUser(principalFrom(r.Context())))
}

// handleCreateUser handles POST /users - Explicit registration
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}
