package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/notebookhub/internal/common"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error      string           `json:"error"`
	Kind       common.ErrorKind `json:"kind"`
	Configured *bool            `json:"configured,omitempty"`
}

var kindStatus = map[common.ErrorKind]int{
	common.KindConfigAbsent:    http.StatusConflict,
	common.KindValidation:      http.StatusBadRequest,
	common.KindNotFound:        http.StatusNotFound,
	common.KindAlreadyTerminal: http.StatusConflict,
	common.KindConnection:      http.StatusBadGateway,
	common.KindTimeout:         http.StatusGatewayTimeout,
	common.KindUnauthorized:    http.StatusUnauthorized,
}

func statusFor(kind common.ErrorKind) int {
	if st, ok := kindStatus[kind]; ok {
		return st
	}
	return http.StatusInternalServerError
}

// writeError renders err by kind. Internal errors are logged and their
// message is not sent to the client.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := common.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: kind}
	switch kind {
	case common.KindConfigAbsent:
		configured := false
		resp.Configured = &configured
	case common.KindInternal:
		s.logger.Error(ctx, "request failed", "error", err)
		resp.Error = common.ErrorInternal.Error()
	}
	writeJSON(w, statusFor(kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a JSON body into v. An empty body returns io.EOF
// unwrapped so callers can treat it as absent.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("request body: %v: %w", err, common.ErrorValidation)
	}
	return nil
}
