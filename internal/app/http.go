package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"whiteboard/api/internal/auth"
	"whiteboard/api/internal/host"
	"whiteboard/api/internal/lock"
	"whiteboard/api/internal/proxy"
	"whiteboard/api/internal/snapshot"
	"whiteboard/api/internal/spacedeck"
)

const maxProxyBody = 64 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	jwtSecret  []byte
	cookieName string
}

func NewHTTPServer(service *Service, corsOrigin string, jwtSecret []byte, cookieName string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, jwtSecret: jwtSecret, cookieName: cookieName}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// The editor's own traffic. Everything under /proxy/ is relayed.
	if strings.HasPrefix(r.URL.Path, "/proxy/") {
		s.handleProxy(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/socket" {
		s.service.proxy.ServeSocket(w, r, s.userID(r))
		return
	}

	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "spaces" {
		if _, ok := s.requireUser(w, r); !ok {
			return
		}
		spaces, err := s.service.ListSpaces(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, spaces)
		return
	}

	if len(parts) >= 2 && parts[0] == "space" {
		s.handleSpace(w, r, parts[1:])
		return
	}

	if len(parts) >= 4 && parts[0] == "s" && parts[2] == "space" {
		s.handlePublicSpace(w, r, parts[1], parts[3:])
		return
	}

	if len(parts) >= 1 && parts[0] == "session" {
		s.handleSession(w, r, parts[1:])
		return
	}

	if len(parts) >= 2 && parts[0] == "s" && parts[1] == "session" {
		s.handlePublicSession(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"locks":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if err := s.service.PingLocker(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["locks"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleSpace serves GET /space/{file_id} and POST /space/{space_id}/{file_id}.
func (s *HTTPServer) handleSpace(w http.ResponseWriter, r *http.Request, parts []string) {
	uid, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		fileID, ok := parseFileID(w, parts[0])
		if !ok {
			return
		}
		result, err := s.service.LoadSpace(r.Context(), uid, fileID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		setFrameCSP(w.Header(), result.BaseURL)
		writeJSON(w, http.StatusOK, result)
	case r.Method == http.MethodPost && len(parts) == 2:
		fileID, ok := parseFileID(w, parts[1])
		if !ok {
			return
		}
		if err := s.service.SaveSpace(r.Context(), uid, parts[0], fileID); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": 1})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handlePublicSpace serves the share-link variants under /s/{token}/space/.
func (s *HTTPServer) handlePublicSpace(w http.ResponseWriter, r *http.Request, shareToken string, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		fileID, ok := parseFileID(w, parts[0])
		if !ok {
			return
		}
		result, err := s.service.PublicLoadSpace(r.Context(), shareToken, fileID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		setFrameCSP(w.Header(), result.BaseURL)
		writeJSON(w, http.StatusOK, result)
	case r.Method == http.MethodPost && len(parts) == 2:
		fileID, ok := parseFileID(w, parts[1])
		if !ok {
			return
		}
		if err := s.service.PublicSaveSpace(r.Context(), shareToken, parts[0], fileID); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": 1})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "check":
		method := r.URL.Query().Get("method")
		if method == "" {
			method = http.MethodGet
		}
		level := s.service.sessions.CheckSessionPermissions(r.Context(), parts[1], method)
		writeJSON(w, http.StatusOK, map[string]any{"access_level": int(level)})

	case r.Method == http.MethodPost && len(parts) == 0:
		uid, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body struct {
			FileID flexInt `json:"fileId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		info, err := s.service.sessions.CreateUserSession(r.Context(), uid, int64(body.FileID))
		if err != nil {
			log.Printf("session: create failed: %v", err)
		}
		if err != nil || info == nil {
			writeError(w, http.StatusBadRequest, errSessionFailed.Code, errSessionFailed.Message, nil)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case r.Method == http.MethodDelete && len(parts) == 1:
		uid, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		if !s.service.sessions.DeleteUserSession(r.Context(), uid, parts[0]) {
			writeError(w, http.StatusBadRequest, "SESSION_NOT_FOUND", "No such session", nil)
			return
		}
		writeJSON(w, http.StatusOK, 1)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePublicSession(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case r.Method == http.MethodPost && len(parts) == 0:
		var body struct {
			FileID     flexInt `json:"fileId"`
			ShareToken string  `json:"shareToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.ShareToken == "" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "shareToken is required", nil)
			return
		}
		info, err := s.service.sessions.CreateShareSession(r.Context(), body.ShareToken, int64(body.FileID))
		if err != nil {
			log.Printf("session: create share session failed: %v", err)
		}
		if err != nil || info == nil {
			writeError(w, http.StatusBadRequest, errSessionFailed.Code, errSessionFailed.Message, nil)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case r.Method == http.MethodDelete && len(parts) == 1:
		shareToken := r.URL.Query().Get("shareToken")
		if shareToken == "" || !s.service.sessions.DeleteShareSession(r.Context(), shareToken, parts[0]) {
			writeError(w, http.StatusBadRequest, "SESSION_NOT_FOUND", "No such session", nil)
			return
		}
		writeJSON(w, http.StatusOK, 1)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	uid := s.userID(r)
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/proxy/")

	// Editor entry page: /proxy/spaces/{file_id}
	if r.Method == http.MethodGet {
		if rest, ok := strings.CutPrefix(path, "spaces/"); ok && !strings.Contains(rest, "/") {
			if fileID, err := strconv.ParseInt(rest, 10, 64); err == nil {
				resp := s.service.proxy.ServeMain(r.Context(), uid, fileID, r.URL.Query().Get("token"), r.Header)
				writeProxyResponse(w, r, resp)
				return
			}
		}
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large", nil)
			return
		}
	}
	resp := s.service.proxy.Serve(r.Context(), proxy.Request{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
		UserID:   uid,
	})
	writeProxyResponse(w, r, resp)
}

// writeProxyResponse replaces the JSON defaults set by the middleware with
// the relayed headers.
func writeProxyResponse(w http.ResponseWriter, r *http.Request, resp *proxy.Response) {
	header := w.Header()
	header.Del("Content-Type")
	header.Del("Cache-Control")
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		resp.Close()
		return
	}
	if err := resp.WriteBody(flushWriter{w}); err != nil {
		log.Printf("proxy: relay of %s interrupted: %v", r.URL.Path, err)
	}
}

// flushWriter pushes every relayed chunk to the client as it arrives.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

// userID is the host identity of the caller, "" for anonymous requests.
func (s *HTTPServer) userID(r *http.Request) string {
	return auth.UserFromRequest(r, s.jwtSecret, s.cookieName)
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := s.userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return uid, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func parseFileID(w http.ResponseWriter, raw string) (int64, bool) {
	fileID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || fileID < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_FILE_ID", "Invalid file id", nil)
		return 0, false
	}
	return fileID, true
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", data)
	}
	*f = flexInt(value)
	return nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the socket relay upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+proxy.SpaceNameHeader+", "+proxy.SpaceTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// setFrameCSP lets the host page embed the editor from baseURL.
func setFrameCSP(header http.Header, baseURL string) {
	header.Set("Content-Security-Policy", "frame-src 'self' "+baseURL+"; frame-ancestors 'self'")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, lock.ErrLocked):
		return http.StatusLocked, "LOCKED", "File is locked", nil
	case errors.Is(err, host.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "File does not exist", nil
	case errors.Is(err, snapshot.ErrCorrupt):
		return http.StatusBadRequest, "INVALID_FILE", snapshot.ErrCorrupt.Error(), nil
	case errors.Is(err, snapshot.ErrForeignSpace):
		return http.StatusBadRequest, "FOREIGN_SPACE", snapshot.ErrForeignSpace.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	var upstreamErr *spacedeck.Error
	if errors.As(err, &upstreamErr) {
		return http.StatusBadRequest, "UPSTREAM_ERROR", upstreamErr.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
