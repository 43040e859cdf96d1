// Package snowflaketest provides an in-process warehouse that speaks the
// session, statement, chunk and staging protocol for integration tests.
package snowflaketest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzip"
)

// Response codes used by the protocol.
const (
	CodeSessionExpired   = "390112"
	CodeMasterExpired    = "390114"
	CodeIncorrectLogin   = "390100"
	CodeInvalidJWT       = "390144"
	CodeQueryInProgress  = "333333"
	CodeQueryAsync       = "333334"
	statementTypeSelect  = 0x1000
	statementTypeInsert  = 0x3100
	defaultValiditySecs  = 3600
	defaultMasterSeconds = 14400
)

// --- Data Models ---

// Str returns a pointer to s, for building rowsets.
func Str(s string) *string { return &s }

// MockColumn describes one result column.
type MockColumn struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Precision int64  `json:"precision"`
	Scale     int64  `json:"scale"`
	Length    int64  `json:"length"`
	Nullable  bool   `json:"nullable"`
}

// MockChunk is one downloadable result chunk. Rows are served as JSON
// unless Body is set, in which case Body is served verbatim.
type MockChunk struct {
	Rows    [][]*string
	Body    []byte
	Gzip    bool
	Latency time.Duration

	// Status, when non-zero, is returned instead of the chunk
	Status int
}

// MockError is a statement failure reported with success=false.
type MockError struct {
	Code     string
	Message  string
	SQLState string
	Line     int
	Pos      int
}

// MockQuery is the blueprint of a statement's response, matched by SQL text.
type MockQuery struct {
	SQL     string
	Columns []MockColumn

	// Rows is the inline JSON rowset
	Rows [][]*string

	// RowsetBase64 is an inline Arrow IPC stream; it switches the result
	// format to arrow for the inline rowset and every chunk
	RowsetBase64 string
	Arrow        bool

	Chunks       []MockChunk
	ChunkHeaders map[string]string
	Qrmk         string

	// QueueBatches is the number of polls answered with "still running"
	QueueBatches int

	Error           *MockError
	StatementTypeID int64
	Latency         time.Duration

	// Data is merged into the response data, e.g. a staging directive
	Data map[string]any
}

// RecordedRequest is a statement submission as received by the server.
type RecordedRequest struct {
	RequestID  string                     `json:"-"`
	SQLText    string                     `json:"sqlText"`
	SequenceID uint64                     `json:"sequenceId"`
	Bindings   map[string]json.RawMessage `json:"bindings"`
	Parameters map[string]any             `json:"parameters"`
	Database   string                     `json:"database"`
	Schema     string                     `json:"schema"`
	Warehouse  string                     `json:"warehouse"`
	Role       string                     `json:"role"`
}

type mockSession struct {
	user          string
	token         string
	master        string
	expires       time.Time
	masterExpires time.Time
}

type activeQuery struct {
	id        string
	requestID string
	tmpl      *MockQuery
	polls     int
	aborted   bool
}

type injectedFailure struct {
	status int
	times  int
}

// --- Mock Server Implementation ---

// MockServer simulates the warehouse service for integration testing.
type MockServer struct {
	server *httptest.Server

	mu        sync.Mutex
	passwords map[string]string
	keys      map[string]*rsa.PublicKey
	tokens    map[string]string // OAuth token -> user
	sessions  map[string]*mockSession
	masters   map[string]*mockSession
	templates map[string]*MockQuery
	queries   map[string]*activeQuery
	byRequest map[string]string // requestId -> query id
	requests  []RecordedRequest
	attempts  []string // requestId of every submission, failed ones included
	failures  map[string]*injectedFailure

	// SessionValidity and MasterValidity are reported at login
	SessionValidity time.Duration
	MasterValidity  time.Duration

	logins       atomic.Int64
	renewals     atomic.Int64
	heartbeats   atomic.Int64
	logouts      atomic.Int64
	aborts       atomic.Int64
	submissions  atomic.Int64
	chunkFetches atomic.Int64
	queryCounter atomic.Int64
	inFlight     atomic.Int64
	maxInFlight  atomic.Int64
}

// NewMockServer starts a server routed with chi.
func NewMockServer() *MockServer {
	m := &MockServer{
		passwords:       make(map[string]string),
		keys:            make(map[string]*rsa.PublicKey),
		tokens:          make(map[string]string),
		sessions:        make(map[string]*mockSession),
		masters:         make(map[string]*mockSession),
		templates:       make(map[string]*MockQuery),
		queries:         make(map[string]*activeQuery),
		byRequest:       make(map[string]string),
		failures:        make(map[string]*injectedFailure),
		SessionValidity: defaultValiditySecs * time.Second,
		MasterValidity:  defaultMasterSeconds * time.Second,
	}

	r := chi.NewRouter()
	r.Use(m.injectFailures)
	r.Route("/session", func(r chi.Router) {
		r.Post("/", m.handleLogout)
		r.Post("/v1/login-request", m.handleLogin)
		r.Post("/token-request", m.handleRenew)
		r.Post("/heartbeat", m.handleHeartbeat)
	})
	r.Route("/queries", func(r chi.Router) {
		r.Post("/v1/query-request", m.handleSubmit)
		r.Post("/v1/abort-request", m.handleAbort)
		r.Get("/{queryID}/result", m.handleResult)
	})
	r.Get("/monitoring/queries/{queryID}", m.handleMonitoring)
	r.Get("/chunks/{queryID}/{ordinal}", m.handleChunk)

	m.server = httptest.NewServer(r)
	return m
}

// URL returns the base URL of the mock server.
func (m *MockServer) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockServer) Close() { m.server.Close() }

// AddUser registers a password login.
func (m *MockServer) AddUser(user, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[strings.ToUpper(user)] = password
}

// AddKeyPairUser registers a keypair login verified against pub.
func (m *MockServer) AddKeyPairUser(user string, pub *rsa.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[strings.ToUpper(user)] = pub
}

// AddOAuthToken registers an access token accepted for user.
func (m *MockServer) AddOAuthToken(token, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = user
}

// AddQuery registers a statement blueprint.
func (m *MockServer) AddQuery(q *MockQuery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[q.SQL] = q
}

// ExpireSessions makes every issued session token expire. Master tokens
// stay valid so clients can renew.
func (m *MockServer) ExpireSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.expires = time.Now().Add(-time.Second)
	}
}

// ExpireMasters makes every issued session and master token expire.
func (m *MockServer) ExpireMasters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	past := time.Now().Add(-time.Second)
	for _, s := range m.sessions {
		s.expires = past
		s.masterExpires = past
	}
}

// FailNext answers the next times requests to path with status.
func (m *MockServer) FailNext(path string, status, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = &injectedFailure{status: status, times: times}
}

// Requests returns the statement submissions received so far.
func (m *MockServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// SubmissionRequestIDs returns the requestId of every statement submission,
// including those answered by FailNext.
func (m *MockServer) SubmissionRequestIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attempts...)
}

// Counters.
func (m *MockServer) Logins() int64       { return m.logins.Load() }
func (m *MockServer) Renewals() int64     { return m.renewals.Load() }
func (m *MockServer) Heartbeats() int64   { return m.heartbeats.Load() }
func (m *MockServer) Logouts() int64      { return m.logouts.Load() }
func (m *MockServer) Aborts() int64       { return m.aborts.Load() }
func (m *MockServer) Submissions() int64  { return m.submissions.Load() }
func (m *MockServer) ChunkFetches() int64 { return m.chunkFetches.Load() }

// MaxConcurrentChunks returns the highest number of chunk downloads served
// at the same time.
func (m *MockServer) MaxConcurrentChunks() int64 { return m.maxInFlight.Load() }

// --- Request Handlers ---

func (m *MockServer) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		f, ok := m.failures[r.URL.Path]
		fail := ok && f.times > 0
		if fail {
			f.times--
		}
		m.mu.Unlock()
		if fail {
			if r.URL.Path == "/queries/v1/query-request" {
				m.submissions.Add(1)
				m.mu.Lock()
				m.attempts = append(m.attempts, r.URL.Query().Get("requestId"))
				m.mu.Unlock()
			}
			http.Error(w, http.StatusText(f.status), f.status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type envelope struct {
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Success bool   `json:"success"`
}

// writeJSON encodes v as JSON and writes it to the response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusOK, envelope{Code: code, Message: message, Success: false})
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	h = strings.TrimPrefix(h, `Snowflake Token="`)
	return strings.TrimSuffix(h, `"`)
}

// session returns the session for the request token, or writes the
// session-expired response.
func (m *MockServer) session(w http.ResponseWriter, r *http.Request) (*mockSession, bool) {
	m.mu.Lock()
	s, ok := m.sessions[bearer(r)]
	valid := ok && time.Now().Before(s.expires)
	m.mu.Unlock()
	if !valid {
		writeFailure(w, CodeSessionExpired, "Session token expired")
		return nil, false
	}
	return s, true
}

type loginData struct {
	AccountName       string         `json:"ACCOUNT_NAME"`
	LoginName         string         `json:"LOGIN_NAME"`
	Password          string         `json:"PASSWORD"`
	Authenticator     string         `json:"AUTHENTICATOR"`
	Token             string         `json:"TOKEN"`
	SessionParameters map[string]any `json:"SESSION_PARAMETERS"`
}

func (m *MockServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.logins.Add(1)
	var body struct {
		Data loginData `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, code, msg := m.authenticate(body.Data)
	if code != "" {
		writeFailure(w, code, msg)
		return
	}

	s := m.newSession(user)
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"token":                   s.token,
		"masterToken":             s.master,
		"validityInSeconds":       int64(m.SessionValidity / time.Second),
		"masterValidityInSeconds": int64(m.MasterValidity / time.Second),
		"sessionId":               m.queryCounter.Add(1),
		"sessionInfo": map[string]string{
			"databaseName":  q.Get("databaseName"),
			"schemaName":    q.Get("schemaName"),
			"warehouseName": q.Get("warehouse"),
			"roleName":      q.Get("roleName"),
		},
	}})
}

func (m *MockServer) authenticate(d loginData) (user, code, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch strings.ToUpper(d.Authenticator) {
	case "SNOWFLAKE_JWT":
		pub, ok := m.keys[strings.ToUpper(d.LoginName)]
		if !ok {
			return "", CodeInvalidJWT, "JWT token is invalid."
		}
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(d.Token, claims, func(*jwt.Token) (any, error) { return pub, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			return "", CodeInvalidJWT, "JWT token is invalid."
		}
		want := strings.ToUpper(d.AccountName) + "." + strings.ToUpper(d.LoginName)
		if claims.Subject != want || !strings.HasPrefix(claims.Issuer, want+".SHA256:") {
			return "", CodeInvalidJWT, "JWT token is invalid."
		}
		return d.LoginName, "", ""
	case "OAUTH":
		u, ok := m.tokens[d.Token]
		if !ok {
			return "", "390303", "Invalid OAuth access token."
		}
		return u, "", ""
	default:
		pw, ok := m.passwords[strings.ToUpper(d.LoginName)]
		if !ok || pw != d.Password {
			return "", CodeIncorrectLogin, "Incorrect username or password was specified."
		}
		return d.LoginName, "", ""
	}
}

func (m *MockServer) newSession(user string) *mockSession {
	now := time.Now()
	s := &mockSession{
		user:          user,
		token:         "st-" + randomToken(),
		master:        "mt-" + randomToken(),
		expires:       now.Add(m.SessionValidity),
		masterExpires: now.Add(m.MasterValidity),
	}
	m.mu.Lock()
	m.sessions[s.token] = s
	m.masters[s.master] = s
	m.mu.Unlock()
	return s
}

func (m *MockServer) handleRenew(w http.ResponseWriter, r *http.Request) {
	m.renewals.Add(1)
	var body struct {
		OldSessionToken string `json:"oldSessionToken"`
		RequestType     string `json:"requestType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestType != "RENEW" {
		http.Error(w, "bad renew request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	s, ok := m.masters[bearer(r)]
	valid := ok && time.Now().Before(s.masterExpires) && s.token == body.OldSessionToken
	if valid {
		delete(m.sessions, s.token)
		s.token = "st-" + randomToken()
		s.expires = time.Now().Add(m.SessionValidity)
		m.sessions[s.token] = s
	}
	m.mu.Unlock()
	if !valid {
		writeFailure(w, CodeMasterExpired, "Master token expired")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"sessionToken":        s.token,
		"validityInSecondsST": int64(m.SessionValidity / time.Second),
	}})
}

func (m *MockServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.session(w, r); !ok {
		return
	}
	m.heartbeats.Add(1)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (m *MockServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("delete") != "true" {
		http.Error(w, "unsupported", http.StatusBadRequest)
		return
	}
	m.logouts.Add(1)
	m.mu.Lock()
	if s, ok := m.sessions[bearer(r)]; ok {
		delete(m.sessions, s.token)
		delete(m.masters, s.master)
	}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (m *MockServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	m.submissions.Add(1)
	if _, ok := m.session(w, r); !ok {
		return
	}
	var req RecordedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.RequestID = r.URL.Query().Get("requestId")

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.attempts = append(m.attempts, req.RequestID)
	tmpl, ok := m.templates[req.SQLText]
	if !ok {
		tmpl = defaultTemplate(req.SQLText)
	}
	q := &activeQuery{id: newQueryID(), requestID: req.RequestID, tmpl: tmpl}
	m.queries[q.id] = q
	m.byRequest[req.RequestID] = q.id
	m.mu.Unlock()

	if tmpl.Latency > 0 {
		time.Sleep(tmpl.Latency)
	}
	m.respond(w, q)
}

func (m *MockServer) handleResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.session(w, r); !ok {
		return
	}
	m.mu.Lock()
	q, ok := m.queries[chi.URLParam(r, "queryID")]
	if ok {
		q.polls++
	}
	m.mu.Unlock()
	if !ok {
		writeFailure(w, "000605", "Identified SQL statement is not currently executing.")
		return
	}
	m.respond(w, q)
}

func (m *MockServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.session(w, r); !ok {
		return
	}
	var body struct {
		RequestID string `json:"requestId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	m.aborts.Add(1)
	m.mu.Lock()
	id, ok := m.byRequest[body.RequestID]
	if ok {
		m.queries[id].aborted = true
	}
	m.mu.Unlock()
	if !ok {
		writeFailure(w, "000605", "Identified SQL statement is not currently executing.")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (m *MockServer) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.session(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "queryID")
	m.mu.Lock()
	q, ok := m.queries[id]
	var status, code, msg string
	if ok {
		switch {
		case q.aborted:
			status = "ABORTED"
		case q.polls < q.tmpl.QueueBatches:
			status = "RUNNING"
		case q.tmpl.Error != nil:
			status, code, msg = "FAILED_WITH_ERROR", q.tmpl.Error.Code, q.tmpl.Error.Message
		default:
			status = "SUCCESS"
		}
	}
	sql := ""
	if ok {
		sql = q.tmpl.SQL
	}
	m.mu.Unlock()

	queries := []map[string]any{}
	if ok {
		queries = append(queries, map[string]any{
			"id": id, "status": status, "sqlText": sql, "errorCode": code, "errorMessage": msg,
			"startTime": time.Now().UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"queries": queries}})
}

func (m *MockServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	m.chunkFetches.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	var ordinal int
	if _, err := fmt.Sscanf(chi.URLParam(r, "ordinal"), "%d", &ordinal); err != nil {
		http.Error(w, "bad ordinal", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	q, ok := m.queries[chi.URLParam(r, "queryID")]
	m.mu.Unlock()
	if !ok || ordinal < 0 || ordinal >= len(q.tmpl.Chunks) {
		http.Error(w, "chunk not found", http.StatusNotFound)
		return
	}
	if r.Header.Get("Authorization") != "" {
		http.Error(w, "chunk requests must not carry a session token", http.StatusBadRequest)
		return
	}
	for k, v := range chunkHeaders(q.tmpl) {
		if r.Header.Get(k) != v {
			http.Error(w, "missing chunk header "+k, http.StatusForbidden)
			return
		}
	}

	ch := q.tmpl.Chunks[ordinal]
	if ch.Latency > 0 {
		select {
		case <-time.After(ch.Latency):
		case <-r.Context().Done():
			return
		}
	}
	if ch.Status != 0 {
		http.Error(w, http.StatusText(ch.Status), ch.Status)
		return
	}
	body := ch.Body
	if body == nil {
		body = encodeChunkRows(ch.Rows)
	}
	if ch.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(body)
		_ = zw.Close()
		body = buf.Bytes()
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, bytes.NewReader(body))
}

// --- Protocol Response Logic ---

func (m *MockServer) respond(w http.ResponseWriter, q *activeQuery) {
	m.mu.Lock()
	queued := q.polls < q.tmpl.QueueBatches && !q.aborted
	aborted := q.aborted
	m.mu.Unlock()

	tmpl := q.tmpl
	if aborted {
		writeJSON(w, http.StatusOK, envelope{Code: "000604", Message: "SQL execution canceled", Success: false,
			Data: map[string]any{"queryId": q.id, "sqlState": "57014"}})
		return
	}
	if queued {
		writeJSON(w, http.StatusOK, envelope{Code: CodeQueryInProgressFor(q.polls), Message: "Query execution in progress", Success: false,
			Data: map[string]any{"queryId": q.id, "getResultUrl": "/queries/" + q.id + "/result"}})
		return
	}
	if e := tmpl.Error; e != nil {
		writeJSON(w, http.StatusOK, envelope{Code: e.Code, Message: e.Message, Success: false, Data: map[string]any{
			"queryId": q.id, "errorCode": e.Code, "sqlState": e.SQLState, "line": e.Line, "pos": e.Pos,
		}})
		return
	}

	data := map[string]any{
		"queryId":           q.id,
		"rowtype":           tmpl.Columns,
		"statementTypeId":   tmpl.StatementTypeID,
		"queryResultFormat": "json",
	}
	total := len(tmpl.Rows)
	if tmpl.Arrow || tmpl.RowsetBase64 != "" {
		data["queryResultFormat"] = "arrow"
		data["rowsetBase64"] = tmpl.RowsetBase64
	} else {
		rows := tmpl.Rows
		if rows == nil {
			rows = [][]*string{}
		}
		data["rowset"] = rows
	}
	if len(tmpl.Chunks) > 0 {
		chunks := make([]map[string]any, len(tmpl.Chunks))
		for i, ch := range tmpl.Chunks {
			size := len(ch.Body)
			if ch.Body == nil {
				size = len(encodeChunkRows(ch.Rows))
			}
			chunks[i] = map[string]any{
				"url":              fmt.Sprintf("%s/chunks/%s/%d", m.server.URL, q.id, i),
				"rowCount":         len(ch.Rows),
				"uncompressedSize": size,
			}
			total += len(ch.Rows)
		}
		data["chunks"] = chunks
		if len(tmpl.ChunkHeaders) > 0 {
			data["chunkHeaders"] = tmpl.ChunkHeaders
		}
		if tmpl.Qrmk != "" {
			data["qrmk"] = tmpl.Qrmk
		}
	}
	data["total"] = total
	data["returned"] = total
	for k, v := range tmpl.Data {
		data[k] = v
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// CodeQueryInProgressFor alternates the two in-progress codes across polls.
func CodeQueryInProgressFor(poll int) string {
	if poll%2 == 0 {
		return CodeQueryInProgress
	}
	return CodeQueryAsync
}

func chunkHeaders(q *MockQuery) map[string]string {
	if len(q.ChunkHeaders) > 0 {
		return q.ChunkHeaders
	}
	if q.Qrmk != "" {
		return map[string]string{
			"x-amz-server-side-encryption-customer-algorithm": "AES256",
			"x-amz-server-side-encryption-customer-key":       q.Qrmk,
		}
	}
	return nil
}

// encodeChunkRows renders rows the way chunk storage does: JSON arrays
// separated by commas without enclosing brackets.
func encodeChunkRows(rows [][]*string) []byte {
	var buf bytes.Buffer
	for i, row := range rows {
		if i > 0 {
			buf.WriteString(",\n")
		}
		b, _ := json.Marshal(row)
		buf.Write(b)
	}
	return buf.Bytes()
}

var queryIDCounter atomic.Int64

func newQueryID() string {
	return fmt.Sprintf("01b2c3d4-0000-%04x-0000-%012x", queryIDCounter.Add(1)%0x10000, time.Now().UnixNano()&0xffffffffffff)
}

// defaultTemplate answers statements nobody registered: DML reports one
// affected row, everything else a status message.
func defaultTemplate(sql string) *MockQuery {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	for _, prefix := range []string{"INSERT", "UPDATE", "DELETE", "MERGE"} {
		if strings.HasPrefix(upper, prefix) {
			return &MockQuery{
				SQL:             sql,
				Columns:         []MockColumn{{Name: "number of rows affected", Type: "fixed"}},
				Rows:            [][]*string{{Str("1")}},
				StatementTypeID: statementTypeInsert,
			}
		}
	}
	return &MockQuery{
		SQL:             sql,
		Columns:         []MockColumn{{Name: "status", Type: "text", Nullable: true}},
		Rows:            [][]*string{{Str("Statement executed successfully.")}},
		StatementTypeID: statementTypeSelect,
	}
}
