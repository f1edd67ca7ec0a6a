package director

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/strongdm/spritegen/internal/runmodel"
)

const (
	nudgeSchemaJSON = `{
		"type": "object",
		"required": ["frameId", "dx", "dy"],
		"properties": {
			"frameId": {"type": "integer"},
			"dx": {"type": "integer"},
			"dy": {"type": "integer"}
		}
	}`
	patchSchemaJSON = `{
		"type": "object",
		"required": ["frameId", "maskBase64", "prompt"],
		"properties": {
			"frameId": {"type": "integer"},
			"maskBase64": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1}
		}
	}`
)

// Server is the loopback-only HTTP surface over one DirectorSession (§6).
// All writes go through Save, keeping the on-disk session atomically
// up to date with every handled request.
type Server struct {
	mu          sync.Mutex
	session     *runmodel.DirectorSession
	sessionPath string

	nudgeSchema *jsonschema.Schema
	patchSchema *jsonschema.Schema
}

// NewServer compiles the request-body schemas and wraps session for HTTP
// access. sessionPath is where every mutation is persisted.
func NewServer(session *runmodel.DirectorSession, sessionPath string) (*Server, error) {
	nudge, err := compileSchema("nudge.json", nudgeSchemaJSON)
	if err != nil {
		return nil, err
	}
	patch, err := compileSchema("patch.json", patchSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Server{session: session, sessionPath: sessionPath, nudgeSchema: nudge, patchSchema: patch}, nil
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// Handler returns the routed, CORS-wrapped http.Handler for the Director
// surface (§6): GET /api/session, GET /api/frame/:id, POST /api/nudge,
// POST /api/patch, POST /api/commit.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/frame/", s.handleFrame)
	mux.HandleFunc("/api/nudge", s.handleNudge)
	mux.HandleFunc("/api/patch", s.handlePatch)
	mux.HandleFunc("/api/commit", s.handleCommit)
	return loopbackCORS(mux)
}

// loopbackCORS restricts CORS to loopback origins and handles the OPTIONS
// preflight with a 204, per §6's "CORS restricted to loopback" requirement.
func loopbackCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isLoopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeOK(w, s.session)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/frame/")
	idx, err := strconv.Atoi(idStr)
	if err != nil {
		writeErr(w, http.StatusNotFound, "invalid frame id")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := frame(s.session, idx)
	if f == nil {
		writeErr(w, http.StatusNotFound, "frame not found")
		return
	}
	writeOK(w, f)
}

func (s *Server) decodeAndValidate(r *http.Request, schema *jsonschema.Schema) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	if err := schema.Validate(body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := s.decodeAndValidate(r, s.nudgeSchema)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	frameID := int(body["frameId"].(float64))
	dx := int(body["dx"].(float64))
	dy := int(body["dy"].(float64))

	s.mu.Lock()
	defer s.mu.Unlock()
	f := frame(s.session, frameID)
	if f == nil {
		writeErr(w, http.StatusNotFound, "frame not found")
		return
	}
	f.Overrides.Alignment = &runmodel.AlignmentOverride{DX: dx, DY: dy}
	if err := Save(s.sessionPath, s.session); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, f)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := s.decodeAndValidate(r, s.patchSchema)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	frameID := int(body["frameId"].(float64))
	prompt := body["prompt"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	f := frame(s.session, frameID)
	if f == nil {
		writeErr(w, http.StatusNotFound, "frame not found")
		return
	}
	f.Overrides.PatchHistory = append(f.Overrides.PatchHistory, runmodel.PatchEvent{
		MaskPath:  body["maskBase64"].(string),
		Prompt:    prompt,
		Timestamp: time.Now().UTC(),
	})
	if err := Save(s.sessionPath, s.session); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, f)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Status = runmodel.SessionCommitted
	if err := Save(s.sessionPath, s.session); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, s.session)
}
