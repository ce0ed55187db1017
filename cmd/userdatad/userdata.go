// ABOUTME: Handlers for the per-user data row: GET, PATCH and POST /user_data.
// ABOUTME: Speaks the eq.-filter and Prefer-header dialect podsync clients use.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/solgood44/podcastlibrary-sub000/internal/userdata"
)

const maxBodyBytes = 8 << 20

// eqFilter extracts X from a "column=eq.X" query parameter.
func eqFilter(r *http.Request, column string) (string, error) {
	raw := r.URL.Query().Get(column)
	if raw == "" {
		return "", fmt.Errorf("%s filter required", column)
	}
	v, found := strings.CutPrefix(raw, "eq.")
	if !found || v == "" {
		return "", fmt.Errorf("unsupported %s filter %q", column, raw)
	}
	return v, nil
}

// prefers reports whether the Prefer header carries token.
func prefers(r *http.Request, token string) bool {
	for _, h := range r.Header.Values("Prefer") {
		for _, part := range strings.Split(h, ",") {
			if strings.TrimSpace(part) == token {
				return true
			}
		}
	}
	return false
}

// GET /user_data?user_id=eq.<id>&select=*.
func (s *Server) handleGetUserData(w http.ResponseWriter, r *http.Request) {
	userID, err := eqFilter(r, "user_id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if sel := r.URL.Query().Get("select"); sel != "" && sel != "*" {
		fail(w, http.StatusBadRequest, "only select=* is supported")
		return
	}
	if userID != userIDFrom(r.Context()) {
		fail(w, http.StatusForbidden, "forbidden")
		return
	}

	row, err := s.repo.Get(r.Context(), userID)
	switch {
	case errors.Is(err, userdata.ErrNotFound):
		ok(w, []userdata.Row{})
	case err != nil:
		s.log.Error("get user data", zap.String("user_id", userID), zap.Error(err))
		fail(w, http.StatusInternalServerError, "read failed")
	default:
		ok(w, []userdata.Row{row})
	}
}

// PATCH /user_data?user_id=eq.<id>.
func (s *Server) handlePatchUserData(w http.ResponseWriter, r *http.Request) {
	userID, err := eqFilter(r, "user_id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if userID != userIDFrom(r.Context()) {
		fail(w, http.StatusForbidden, "forbidden")
		return
	}
	row, status, err := decodeRow(w, r, userID)
	if err != nil {
		fail(w, status, err.Error())
		return
	}

	err = s.repo.Update(r.Context(), row)
	switch {
	case errors.Is(err, userdata.ErrNotFound):
		fail(w, http.StatusNotFound, "no row for user")
		return
	case err != nil:
		s.log.Error("update user data", zap.String("user_id", userID), zap.Error(err))
		fail(w, http.StatusInternalServerError, "write failed")
		return
	}
	s.log.Debug("user data updated", zap.String("user_id", userID))
	s.respondWritten(w, r, userID, http.StatusOK)
}

// POST /user_data[?on_conflict=user_id].
func (s *Server) handlePostUserData(w http.ResponseWriter, r *http.Request) {
	if oc := r.URL.Query().Get("on_conflict"); oc != "" && oc != "user_id" {
		fail(w, http.StatusBadRequest, "on_conflict must be user_id")
		return
	}
	authID := userIDFrom(r.Context())
	row, status, err := decodeRow(w, r, authID)
	if err != nil {
		fail(w, status, err.Error())
		return
	}

	merge := prefers(r, "resolution=merge-duplicates")
	if merge {
		err = s.repo.Upsert(r.Context(), row)
	} else {
		err = s.repo.Insert(r.Context(), row)
	}
	switch {
	case errors.Is(err, userdata.ErrConflict):
		fail(w, http.StatusConflict, "row already exists")
		return
	case err != nil:
		s.log.Error("write user data", zap.String("user_id", authID), zap.Bool("merge", merge), zap.Error(err))
		fail(w, http.StatusInternalServerError, "write failed")
		return
	}
	s.log.Debug("user data written", zap.String("user_id", authID), zap.Bool("merge", merge))
	s.respondWritten(w, r, authID, http.StatusCreated)
}

// respondWritten honours Prefer: return=representation; otherwise no body.
func (s *Server) respondWritten(w http.ResponseWriter, r *http.Request, userID string, code int) {
	if !prefers(r, "return=representation") {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	row, err := s.repo.Get(r.Context(), userID)
	if err != nil {
		fail(w, http.StatusInternalServerError, "read back failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode([]userdata.Row{row}) //nolint:errchkjson // Response encoding errors are not recoverable.
}

// decodeRow reads and validates the request body. A body naming a different
// user is forbidden.
func decodeRow(w http.ResponseWriter, r *http.Request, userID string) (userdata.Row, int, error) {
	var row userdata.Row
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&row); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return userdata.Row{}, http.StatusRequestEntityTooLarge, errors.New("body too large")
		}
		return userdata.Row{}, http.StatusBadRequest, errors.New("invalid json")
	}
	if row.UserID != "" && row.UserID != userID {
		return userdata.Row{}, http.StatusForbidden, errors.New("forbidden")
	}
	row.UserID = userID
	if err := row.Validate(); err != nil {
		return userdata.Row{}, http.StatusBadRequest, err
	}
	return row, 0, nil
}
