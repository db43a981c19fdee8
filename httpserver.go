// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxHTTPRequestSize bounds one-shot request bodies.
const maxHTTPRequestSize = 1 << 20

// HTTPHandler serves the deprecated one-shot HTTP carrier: one JSON
// [Request] per POST body, one JSON [Response] per reply. It carries no
// notifications; clients needing Notify frames must use the WebSocket
// carrier.
//
// Construct with [NewHTTPHandler].
type HTTPHandler struct {
	// dispatcher routes the decoded requests.
	dispatcher *Dispatcher

	// logger is the SLogger to use.
	logger SLogger
}

// NewHTTPHandler creates a [*HTTPHandler] on top of dispatcher.
//
// The cfg argument contains the common configuration for comsrv components.
func NewHTTPHandler(cfg *Config, dispatcher *Dispatcher) *HTTPHandler {
	return &HTTPHandler{dispatcher: dispatcher, logger: cfg.Logger}
}

var _ http.Handler = &HTTPHandler{}

// ServeHTTP implements [http.Handler].
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPRequestSize))
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}
	var req Request
	resp := Response{}
	if err := req.UnmarshalJSON(body); err != nil {
		resp = ErrorResponse(Argumentf("decode", "%v", err))
	} else {
		resp = h.dispatcher.Handle(r.Context(), req)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("httpEncodeFailed", "remoteAddr", r.RemoteAddr, "err", err)
	}
}
