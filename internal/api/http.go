package api

import (
	"io"
	"mime"
	"net/http"

	"github.com/nerrad567/iotgo-core/internal/protocol"
)

// handleHTTPRequest runs one device request sent over plain HTTP.
//
// The body is a protocol request. Its apikey and deviceid are the
// credentials: the dispatcher checks ownership for update and query, and
// the factory record for register. The reply is the protocol response.
func (s *Server) handleHTTPRequest(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMedia, "content type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	kind, req, _ := protocol.Classify(body)
	if kind != protocol.KindRequest {
		writeJSON(w, http.StatusOK, protocol.Failure(protocol.CodeBadRequest))
		return
	}
	req.Origin = protocol.OriginDevice

	res := s.dispatcher.Handle(r.Context(), req)
	if !res.OK() {
		s.logger.Debug("http request rejected",
			"action", req.Action,
			"deviceid", req.DeviceID,
			"error", res.Error,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	}
	writeJSON(w, http.StatusOK, res)
}
