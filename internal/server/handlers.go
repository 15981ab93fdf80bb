package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"softmock/internal/gateway"
	"softmock/internal/hub"
	"softmock/internal/storage"
	"softmock/pkg/model"
	"softmock/pkg/traffic"

	"github.com/goccy/go-json"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 32 << 20

// okBody 修改类接口成功时的响应体
const okBody = "0"

type scopeBody struct {
	Scope string `json:"scope"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query(); q.Has("host_filter") {
		old := s.scope.Set(q.Get("host_filter"))
		s.log.Info("作用域已更新", "from", old, "to", s.scope.Get())
	}
	writeJSON(w, http.StatusOK, scopeBody{Scope: s.scope.Get()})
}

func (s *Server) handleGetScope(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, scopeBody{Scope: s.scope.Get()})
}

func (s *Server) handleSetScope(w http.ResponseWriter, r *http.Request) {
	var body scopeBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, r, malformed(err))
		return
	}
	old := s.scope.Set(body.Scope)
	s.log.Info("作用域已更新", "from", old, "to", body.Scope)
	writeJSON(w, http.StatusOK, scopeBody{Scope: body.Scope})
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	items, err := s.gateway.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	key, body, ok := s.keyAndBody(w, r)
	if !ok {
		return
	}
	if _, err := s.gateway.Create(r.Context(), key, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key, body, ok := s.keyAndBody(w, r)
	if !ok {
		return
	}
	enabled, err := parseStatus(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.gateway.Update(r.Context(), key, enabled, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.gateway.Delete(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	enabled, err := parseStatus(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.gateway.SetEnabled(r.Context(), key, enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if _, err := s.gateway.ClearScope(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	key, body, ok := s.keyAndBody(w, r)
	if !ok {
		return
	}
	edits, err := gateway.ParseEdits(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.gateway.Edit(r.Context(), key, edits); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.gateway.Replay(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev model.IngestEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		s.writeError(w, r, malformed(err))
		return
	}
	merged, err := s.handler.Handle(r.Context(), "http", &ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if merged == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket 升级失败", "error", err.Error())
		return
	}
	hub.NewClient(conn, s.opts.SendBuffer, s.log).Serve(s.hub)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.gateway.Count(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"records":     n,
		"subscribers": s.hub.Count(),
		"scope":       s.scope.Get(),
	})
}

// handleTargets 列出浏览器可调试目标
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cdp capture disabled"})
		return
	}
	targets, err := s.capture.ListTargets(r.Context())
	if err != nil {
		s.log.Warn("获取调试目标失败", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *Server) handleCaptureStats(w http.ResponseWriter, _ *http.Request) {
	if s.capture == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cdp capture disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.capture.Stats())
}

func (s *Server) keyAndBody(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return "", nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, malformed(err))
		return "", nil, false
	}
	return key, body, true
}

func keyParam(r *http.Request) (string, error) {
	return gateway.DecodeKey(r.URL.Query().Get("url"))
}

// parseStatus 解析 status 参数，接受 1/0/true/false
func parseStatus(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("status")
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, malformed(errors.New("status must be 1, 0, true or false"))
	}
	return b, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", gateway.ErrMalformed, err)
}

// writeError 统一把领域错误映射为 HTTP 状态码
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrMalformed), errors.Is(err, traffic.ErrMalformedPayload):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, gateway.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.log.Err(err, "请求处理失败", "method", r.Method, "path", r.URL.Path)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, okBody)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
