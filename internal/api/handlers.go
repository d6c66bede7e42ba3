package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/book-expert/tts-dispatch/internal/contentkey"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/engine"
	"github.com/book-expert/tts-dispatch/internal/tts"
	"github.com/spf13/afero"
)

const (
	filesRoute = "/files/"
	// Rendered files never change once they exist under their content key.
	filesCacheControl = "public, max-age=31536000, immutable"
)

// Log formats.
const (
	logFmtRequest       = "tts request: %s"
	logFmtRequestFailed = "tts request from %s for %s failed: %v"
	logFmtEncodeFailed  = "failed to encode response: %v"
)

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>tts-dispatch</title></head>
<body>
<h1>Text to speech</h1>
<form action="/tts" method="get">
<textarea name="text" rows="6" cols="80" maxlength="{{.MaxTextLength}}"></textarea>
<p><button type="submit">Speak</button></p>
</form>
<p>GET /tts?text=... answers with a redirect to the rendered WAV file.
Texts are limited to {{.MaxTextLength}} characters.</p>
</body>
</html>
`))

// requestRecord is the structured line logged for every /tts request.
type requestRecord struct {
	IP       string `json:"ip"`
	Text     string `json:"text"`
	Filename string `json:"filename"`
	Decision string `json:"decision"`
}

type healthResponse struct {
	Status string     `json:"status"`
	Pool   *tts.Stats `json:"pool,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")

	if strings.TrimSpace(text) == "" {
		s.reject(w, r, http.StatusBadRequest, "Input text must be nonempty")

		return
	}

	length := utf8.RuneCountInString(text)
	if length > s.cfg.MaxTextLength {
		s.reject(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Input text size %d exceeds the maximum of %d", length, s.cfg.MaxTextLength))

		return
	}

	text = contentkey.Normalize(text)
	key := contentkey.Of(text)
	filename := contentkey.Filename(key)
	dest := filepath.Join(s.cfg.FilesDir, filename)

	decision, err := s.deps.Synthesizer.Handle(r.Context(), key, text, dest)
	s.logRequest(r, text, filename, decision)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The client went away; nobody is left to answer.
			return
		}

		s.deps.Log.Error(logFmtRequestFailed, r.RemoteAddr, filename, err)

		code := engine.Code(err)
		http.Error(w, engine.Message(code), statusFor(code))

		return
	}

	http.Redirect(w, r, path.Join(filesRoute, filename), http.StatusFound)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.deps.Observer.RequestHandled(core.DecisionRejectInvalid)
	s.logRequest(r, r.URL.Query().Get("text"), "", core.DecisionRejectInvalid)
	http.Error(w, msg, status)
}

// logRequest writes one JSON record per request. Oversized texts are clipped
// to the configured maximum so the record stays a single valid line.
func (s *Server) logRequest(r *http.Request, text, filename, decision string) {
	if s.cfg.MaxTextLength > 0 && utf8.RuneCountInString(text) > s.cfg.MaxTextLength {
		text = string([]rune(text)[:s.cfg.MaxTextLength])
	}

	line, err := json.Marshal(requestRecord{
		IP:       r.RemoteAddr,
		Text:     text,
		Filename: filename,
		Decision: decision,
	})
	if err != nil {
		s.deps.Log.Warn(logFmtEncodeFailed, err)

		return
	}

	s.deps.Log.Info(logFmtRequest, line)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err := indexPage.Execute(w, s.cfg)
	if err != nil {
		s.deps.Log.Warn(logFmtEncodeFailed, err)
	}
}

func statusFor(code string) int {
	switch code {
	case engine.CodeQueueFull, engine.CodePoolClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Pool.Stats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})

		return
	}

	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Pool: &stats})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.deps.Log.Warn(logFmtEncodeFailed, err)
	}
}

func (s *Server) filesHandler() http.Handler {
	files := afero.NewHttpFs(s.deps.Files).Dir(s.cfg.FilesDir)
	server := http.StripPrefix(filesRoute, http.FileServer(files))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + strings.TrimPrefix(r.URL.Path, filesRoute))

		exists, err := afero.Exists(s.deps.Files, filepath.Join(s.cfg.FilesDir, filepath.FromSlash(name)))
		if err == nil && exists {
			w.Header().Set("Cache-Control", filesCacheControl)
		}

		server.ServeHTTP(w, r)
	})
}
