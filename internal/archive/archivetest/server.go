// Package archivetest provides an in-process fake of the archive service for
// tests: challenge/token authentication with rotation, an upload store that
// serves downloads, and migration handles that the server invalidates.
package archivetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/tonimelisma/vaultsync/internal/archive"
)

// Upload is one file received by POST /{slot}/upload.
type Upload struct {
	Fields map[string]string
	Data   []byte
}

// Report is one acknowledged PUT /migration/exec body.
type Report struct {
	Handle        string `json:"handle"`
	OldOwnerID    string `json:"oldOwnerId"`
	Slot          int    `json:"slot"`
	OldOriginalID int64  `json:"oldOriginalId"`
	NewOwnerID    string `json:"newOwnerId"`
	NewOriginalID int64  `json:"newOriginalId"`
}

type fileKey struct {
	slot  string
	owner string
	orig  string
}

// Server is a fake archive. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	hashed    string
	challenge string
	nextChal  int
	nextTok   int
	nextHand  int
	rotate    bool
	tokens    map[string]bool
	files     map[fileKey][]byte
	uploads   []Upload
	devices   []archive.Device
	entries   map[string][]map[string]any
	handles   map[string]bool
	reports   []Report
	requests  map[string]int
	uploadErr int
	execErr   map[int64]int
	stall     *stall
}

// stall holds a download after its first bytes until released or the client
// goes away.
type stall struct {
	after   int
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

// New starts a fake archive that accepts password. It is closed when the
// test ends.
func New(t testing.TB, password string) *Server {
	t.Helper()

	s := &Server{
		hashed:   archive.HashPassword(password),
		rotate:   true,
		tokens:   make(map[string]bool),
		files:    make(map[fileKey][]byte),
		entries:  make(map[string][]map[string]any),
		handles:  make(map[string]bool),
		requests: make(map[string]int),
		execErr:  make(map[int64]int),
	}
	s.challenge = s.newChallengeLocked()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", s.handleChallenge)
	mux.HandleFunc("PUT /auth", s.handleLogin)
	mux.HandleFunc("GET /auth/{token}", s.handleProbe)
	mux.HandleFunc("POST /{slot}/upload", s.handleUpload)
	mux.HandleFunc("GET /{slot}/file/{owner}/{orig}", s.handleDownload)
	mux.HandleFunc("GET /migration/devices", s.handleDevices)
	mux.HandleFunc("GET /migration/start", s.handleStart)
	mux.HandleFunc("PUT /migration/exec", s.handleExec)
	mux.HandleFunc("GET /migration/end", s.handleEnd)

	s.Server = httptest.NewServer(s.count(mux))
	t.Cleanup(s.Close)

	return s
}

// Challenge returns the challenge the server currently expects.
func (s *Server) Challenge() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.challenge
}

// SetChallenge replaces the expected challenge.
func (s *Server) SetChallenge(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenge = c
}

// SetRotateOnFailure controls whether a rejected pass-phrase rotates the
// challenge (the default) or leaves it unchanged.
func (s *Server) SetRotateOnFailure(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotate = rotate
}

// IssueToken mints a valid token without a handshake.
func (s *Server) IssueToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.newTokenLocked()
}

// InvalidateTokens revokes every token, as a server restart would.
func (s *Server) InvalidateTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.tokens)
}

// Requests returns how many requests matched "METHOD /path" so far.
func (s *Server) Requests(methodPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests[methodPath]
}

// PutFile stores data as if it had been uploaded.
func (s *Server) PutFile(slot int, owner string, originalID int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[fileKey{strconv.Itoa(slot), owner, strconv.FormatInt(originalID, 10)}] = data
}

// File returns stored bytes and whether the file exists.
func (s *Server) File(slot int, owner string, originalID int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[fileKey{strconv.Itoa(slot), owner, strconv.FormatInt(originalID, 10)}]

	return data, ok
}

// Uploads returns every upload received so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Upload(nil), s.uploads...)
}

// FailUploads makes uploads answer status; 0 restores normal behavior.
func (s *Server) FailUploads(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploadErr = status
}

// StallDownloads makes the next download send after bytes, then hold the
// response open until Release is called or the client disconnects. Reached
// is closed once the bytes are on the wire.
func (s *Server) StallDownloads(after int) (reached <-chan struct{}, release func()) {
	st := &stall{after: after, reached: make(chan struct{}), release: make(chan struct{})}

	s.mu.Lock()
	s.stall = st
	s.mu.Unlock()

	return st.reached, func() { st.once.Do(func() { close(st.release) }) }
}

// AddDevice registers a device identity.
func (s *Server) AddDevice(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = append(s.devices, archive.Device{ID: id, Name: name})
}

// AddEntry adds a raw stored-file entry owned by owner. Raw maps let tests
// send absent, null or malformed fields.
func (s *Server) AddEntry(owner string, entry map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[owner] = append(s.entries[owner], entry)
}

// FailExec makes reports for oldOriginalID answer status; 0 clears it.
func (s *Server) FailExec(oldOriginalID int64, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == 0 {
		delete(s.execErr, oldOriginalID)
		return
	}

	s.execErr[oldOriginalID] = status
}

// Reports returns the accepted migration reports.
func (s *Server) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Report(nil), s.reports...)
}

// HandleOpen reports whether handle was started and not yet ended.
func (s *Server) HandleOpen(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handles[handle]
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) newChallengeLocked() string {
	s.nextChal++
	return fmt.Sprintf("c%d", s.nextChal)
}

func (s *Server) newTokenLocked() string {
	s.nextTok++
	tok := fmt.Sprintf("t%d", s.nextTok)
	s.tokens[tok] = true

	return tok
}

func (s *Server) unauthorizedLocked(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"challenge": s.challenge})
}

// authorized checks the auth query parameter, answering 401 if it fails.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens[r.URL.Query().Get("auth")] {
		return true
	}

	s.unauthorizedLocked(w)

	return false
}

func (s *Server) handleChallenge(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unauthorizedLocked(w)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if string(body) == archive.PassPhrase(s.challenge, s.hashed) {
		s.challenge = s.newChallengeLocked()
		writeJSON(w, http.StatusOK, map[string]string{"token": s.newTokenLocked()})

		return
	}

	if s.rotate {
		s.challenge = s.newChallengeLocked()
	}

	s.unauthorizedLocked(w)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens[r.PathValue("token")] {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.unauthorizedLocked(w)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	s.mu.Lock()
	failStatus := s.uploadErr
	s.mu.Unlock()

	if failStatus != 0 {
		_, _ = io.Copy(io.Discard, r.Body) //nolint:errcheck // test server
		http.Error(w, "upload rejected", failStatus)

		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	up := Upload{Fields: make(map[string]string)}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := io.ReadAll(part)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if part.FormName() == "File" {
			up.Data = data
		} else {
			up.Fields[part.FormName()] = string(data)
		}
	}

	if up.Fields["Slot"] != r.PathValue("slot") {
		http.Error(w, "slot mismatch", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.files[fileKey{up.Fields["Slot"], up.Fields["OwnerId"], up.Fields["OriginalId"]}] = up.Data
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	s.mu.Lock()
	data, ok := s.files[fileKey{r.PathValue("slot"), r.PathValue("owner"), r.PathValue("orig")}]
	st := s.stall
	s.stall = nil
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	if st == nil || st.after >= len(data) {
		_, _ = w.Write(data) //nolint:errcheck // test server
		return
	}

	_, _ = w.Write(data[:st.after]) //nolint:errcheck // test server
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	close(st.reached)

	select {
	case <-st.release:
		_, _ = w.Write(data[st.after:]) //nolint:errcheck // test server
	case <-r.Context().Done():
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	owner := r.URL.Query().Get("o")

	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]map[string]string, 0, len(s.devices))
	for _, d := range s.devices {
		if d.ID != owner {
			list = append(list, map[string]string{"id": d.ID, "name": d.Name})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"list": list})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	q := r.URL.Query()
	if q.Get("n") == "" || q.Get("o") == "" {
		http.Error(w, "missing device", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHand++
	handle := fmt.Sprintf("h%d", s.nextHand)
	s.handles[handle] = true

	targets := append([]map[string]any{}, s.entries[q.Get("o")]...)
	writeJSON(w, http.StatusOK, map[string]any{"handle": handle, "targets": targets})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	var rep Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handles[rep.Handle] {
		http.Error(w, "unknown or ended handle", http.StatusGone)
		return
	}

	if status := s.execErr[rep.OldOriginalID]; status != 0 {
		http.Error(w, "report rejected", status)
		return
	}

	s.reports = append(s.reports, rep)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	handle := r.URL.Query().Get("h")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handles[handle] {
		http.NotFound(w, r)
		return
	}

	s.handles[handle] = false
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}
