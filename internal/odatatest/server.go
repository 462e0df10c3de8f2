// Package odatatest provides an in-process OData server speaking both
// dialects, used by the test suite and by mock mode. It implements the
// envelope shapes, CSRF handshake, session cookie, pagination and batch
// semantics the transport and dialect layers depend on.
package odatatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/stanstork/stratum-fabric/internal/odata"
)

const (
	// DefaultToken is the CSRF token issued by the handshake.
	DefaultToken = "csrf-abc"

	sessionCookie = "SESSION"
	sessionValue  = "xyz"
)

// Server is a configurable OData endpoint backed by in-memory entity
// sets.
type Server struct {
	Dialect  odata.Dialect
	PageSize int
	Token    string

	mu        sync.Mutex
	entities  map[string][]odata.Record
	requests  int
	failures int
	failCode int

	httpServer *httptest.Server
}

// New starts a server for the given dialect. Close it when done.
func New(dialect odata.Dialect) *Server {
	s := &Server{
		Dialect:  dialect,
		PageSize: 0, // 0 serves everything on one page
		Token:    DefaultToken,
		entities: make(map[string][]odata.Record),
	}

	// Clients address entity sets under arbitrary service prefixes, so
	// routing keys off the last path segment rather than fixed patterns.
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(s.handleHead).Methods(http.MethodHead)
	r.PathPrefix("/").HandlerFunc(s.route).Methods(http.MethodGet, http.MethodPost)

	s.httpServer = httptest.NewServer(handlers.RecoveryHandler()(s.counting(r)))
	return s
}

func (s *Server) URL() string { return s.httpServer.URL }
func (s *Server) Close()      { s.httpServer.Close() }

// Seed replaces an entity set's contents.
func (s *Server) Seed(entitySet string, records []odata.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entitySet] = append([]odata.Record{}, records...)
}

// Records returns a copy of an entity set's current contents.
func (s *Server) Records(entitySet string) []odata.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]odata.Record{}, s.entities[entitySet]...)
}

// Requests reports how many HTTP requests the server has handled.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// FailNext makes the next n data requests answer with the given status
// before normal handling resumes. The CSRF handshake is unaffected.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failCode = status
}

func (s *Server) counting(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.failCode, true
	}
	return 0, false
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch setFromRequest(r) {
	case "$metadata":
		s.handleMetadata(w, r)
	case "$batch":
		s.handleBatch(w, r)
	default:
		if r.Method == http.MethodPost {
			s.handleCreate(w, r)
			return
		}
		s.handleGet(w, r)
	}
}

// setFromRequest resolves the addressed entity set: explicit mux vars
// (set by batch dispatch) win, otherwise the last path segment.
func setFromRequest(r *http.Request) string {
	if v, ok := mux.Vars(r)["set"]; ok && v != "" {
		return v
	}
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		return ""
	}
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("X-CSRF-Token"), "Fetch") {
		w.Header().Set("x-csrf-token", s.Token)
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sessionValue})
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if code, fail := s.takeFailure(); fail {
		http.Error(w, http.StatusText(code), code)
		return
	}

	set := setFromRequest(r)
	s.mu.Lock()
	records := append([]odata.Record{}, s.entities[set]...)
	s.mu.Unlock()

	skip := 0
	if token := r.URL.Query().Get("$skiptoken"); token != "" {
		skip, _ = strconv.Atoi(token)
	}
	if skip > len(records) {
		skip = len(records)
	}

	page := records[skip:]
	next := ""
	if s.PageSize > 0 && len(page) > s.PageSize {
		page = page[:s.PageSize]
		next = fmt.Sprintf("/%s?$skiptoken=%d", set, skip+s.PageSize)
	}

	s.writeJSON(w, http.StatusOK, s.listEnvelope(page, next))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if code, fail := s.takeFailure(); fail {
		http.Error(w, http.StatusText(code), code)
		return
	}
	if s.Dialect == odata.DialectV2 && r.Header.Get("X-CSRF-Token") != s.Token {
		w.Header().Set("x-csrf-token", "required")
		http.Error(w, "CSRF token validation failed", http.StatusForbidden)
		return
	}

	var record odata.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	set := setFromRequest(r)
	s.mu.Lock()
	s.entities[set] = append(s.entities[set], record)
	s.mu.Unlock()

	s.writeJSON(w, http.StatusCreated, s.entityEnvelope(record))
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	version := "2.0"
	if s.Dialect == odata.DialectV4 {
		version = "4.0"
	}
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<edmx:Edmx Version=%q xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx"><edmx:DataServices/></edmx:Edmx>`, version)
}

func (s *Server) listEnvelope(records []odata.Record, next string) map[string]any {
	items := make([]any, len(records))
	for i, r := range records {
		items[i] = r
	}
	if s.Dialect == odata.DialectV4 {
		envelope := map[string]any{"value": items}
		if next != "" {
			envelope["@odata.nextLink"] = next
		}
		return envelope
	}
	d := map[string]any{"results": items, "__count": strconv.Itoa(len(records))}
	if next != "" {
		d["__next"] = next
	}
	return map[string]any{"d": d}
}

func (s *Server) entityEnvelope(record odata.Record) map[string]any {
	if s.Dialect == odata.DialectV4 {
		return record
	}
	return map[string]any{"d": record}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var batchRequestLineRe = regexp.MustCompile(`(?m)^(GET|POST|PATCH|PUT|DELETE|MERGE)\s+(\S+)`)

// handleBatch demultiplexes a batch body, dispatches each sub-request
// against the server's own handlers and reassembles the dialect's batch
// response shape.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.Dialect == odata.DialectV4 {
		s.handleBatchV4(w, r)
		return
	}
	s.handleBatchV2(w, r)
}

func (s *Server) handleBatchV2(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	idx := strings.Index(contentType, "boundary=")
	if idx < 0 {
		http.Error(w, "missing batch boundary", http.StatusBadRequest)
		return
	}
	boundary := contentType[idx+len("boundary="):]

	body := new(strings.Builder)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}

	respBoundary := "batchresponse_" + boundary
	var out strings.Builder
	for _, part := range strings.Split(body.String(), "--"+boundary) {
		m := batchRequestLineRe.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		subBody := ""
		if i := strings.Index(part, "\r\n\r\n"); i >= 0 {
			if j := strings.Index(part[i+4:], "\r\n\r\n"); j >= 0 {
				subBody = strings.TrimSpace(part[i+4+j:])
			}
		}
		status, payload := s.dispatch(m[1], m[2], subBody, r)

		out.WriteString("--" + respBoundary + "\r\n")
		out.WriteString("Content-Type: application/http\r\n\r\n")
		out.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, http.StatusText(status)))
		out.WriteString("Content-Type: application/json\r\n\r\n")
		out.WriteString(payload + "\r\n")
	}
	out.WriteString("--" + respBoundary + "--\r\n")

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+respBoundary)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(out.String()))
}

func (s *Server) handleBatchV4(w http.ResponseWriter, r *http.Request) {
	var envelope struct {
		Requests []struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			URL    string          `json:"url"`
			Body   json.RawMessage `json:"body,omitempty"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	responses := make([]map[string]any, 0, len(envelope.Requests))
	for _, req := range envelope.Requests {
		status, payload := s.dispatch(req.Method, req.URL, string(req.Body), r)
		var parsed any
		_ = json.Unmarshal([]byte(payload), &parsed)
		responses = append(responses, map[string]any{
			"id":     req.ID,
			"status": status,
			"body":   parsed,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"responses": responses})
}

// dispatch replays one batch sub-request through the regular handlers.
func (s *Server) dispatch(method, target, body string, outer *http.Request) (int, string) {
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", outer.Header.Get("X-CSRF-Token"))

	rec := httptest.NewRecorder()
	switch method {
	case http.MethodGet:
		req = mux.SetURLVars(req, map[string]string{"set": strings.Trim(strings.SplitN(target, "?", 2)[0], "/")})
		s.handleGet(rec, req)
	case http.MethodPost:
		req = mux.SetURLVars(req, map[string]string{"set": strings.Trim(target, "/")})
		s.handleCreate(rec, req)
	default:
		rec.WriteHeader(http.StatusNoContent)
	}
	return rec.Code, strings.TrimSpace(rec.Body.String())
}
