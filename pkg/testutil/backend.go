package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/reqdesk/reqdesk/internal/auth"
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/httputil"
)

const backendSecret = "reqdesk-test-secret"

// Event is a change notification pushed over the backend websocket.
type Event struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
}

type backendUser struct {
	password string
	user     domain.User
}

type failure struct {
	method  string
	prefix  string
	status  int
	message string
	times   int
}

// Backend is an in-memory implementation of the requirements REST API for
// tests. It issues HS256 tokens on login, enforces bearer authentication,
// pushes change events to websocket subscribers and can be told to fail
// selected requests.
type Backend struct {
	server   *httptest.Server
	entities map[domain.Kind]*MemoryStore[string, map[string]any]
	TokenTTL time.Duration

	mu       sync.Mutex
	seq      map[domain.Kind]int
	users    map[string]backendUser
	failures []*failure
	requests []string

	subMu sync.Mutex
	subs  map[*websocket.Conn]struct{}
}

// NewBackend starts a backend and closes it when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		entities: make(map[domain.Kind]*MemoryStore[string, map[string]any]),
		TokenTTL: time.Hour,
		seq:      make(map[domain.Kind]int),
		users:    make(map[string]backendUser),
		subs:     make(map[*websocket.Conn]struct{}),
	}
	for _, k := range domain.Kinds() {
		b.entities[k] = NewMemoryStore[string, map[string]any]()
	}
	b.server = httptest.NewServer(b.Router())
	t.Cleanup(b.Close)
	return b
}

// Router returns the backend routes.
func (b *Backend) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(b.middleware)
	api.HandleFunc("/auth/login", b.login).Methods(http.MethodPost)
	api.HandleFunc("/ws", b.subscribe).Methods(http.MethodGet)
	api.HandleFunc("/{resource}", b.list).Methods(http.MethodGet)
	api.HandleFunc("/{resource}", b.create).Methods(http.MethodPost)
	api.HandleFunc("/{resource}/{id}", b.get).Methods(http.MethodGet)
	api.HandleFunc("/{resource}/{id}", b.update).Methods(http.MethodPut)
	api.HandleFunc("/{resource}/{id}", b.remove).Methods(http.MethodDelete)
	api.HandleFunc("/{resource}/{id}/status", b.changeStatus).Methods(http.MethodPatch)
	api.HandleFunc("/{resource}/{id}/assign", b.assign).Methods(http.MethodPatch)
	return r
}

// URL returns the backend base URL.
func (b *Backend) URL() string {
	return b.server.URL
}

// Close disconnects subscribers and stops the server.
func (b *Backend) Close() {
	b.subMu.Lock()
	for c := range b.subs {
		_ = c.Close()
		delete(b.subs, c)
	}
	b.subMu.Unlock()
	b.server.Close()
}

// AddUser registers a login.
func (b *Backend) AddUser(username, password string, role domain.Role) domain.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := domain.User{
		ID:       GenerateID(),
		Username: username,
		Email:    username + "@example.com",
		Role:     role,
		IsActive: true,
		Created:  Now(),
	}
	b.users[username] = backendUser{password: password, user: u}
	return u
}

// Token issues a token for user.
func (b *Backend) Token(user domain.User) string {
	claims := auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(b.TokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(backendSecret))
	if err != nil {
		panic(fmt.Sprintf("sign token: %v", err))
	}
	return token
}

// NewClient returns an HTTP client authenticated as a fresh user with role.
func (b *Backend) NewClient(t testing.TB, role domain.Role) *httputil.Client {
	t.Helper()
	client, err := httputil.NewClient(httputil.Config{BaseURL: b.URL(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	token := b.Token(b.AddUser("user-"+GenerateID()[:8], "secret", role))
	client.SetTokenSource(httputil.TokenFunc(func() (string, bool) { return token, true }))
	return client
}

// Fail makes the next times requests whose method and path prefix match
// respond with status and message. An empty method matches any method.
func (b *Backend) Fail(method, pathPrefix string, status int, message string, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, &failure{method: method, prefix: pathPrefix, status: status, message: message, times: times})
}

// FailNext is Fail for a single request.
func (b *Backend) FailNext(method, pathPrefix string, status int, message string) {
	b.Fail(method, pathPrefix, status, message, 1)
}

// Requests returns "METHOD /path" for every request received.
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.requests))
	copy(out, b.requests)
	return out
}

// CountRequests counts received requests with method whose path starts with prefix.
func (b *Backend) CountRequests(method, prefix string) int {
	n := 0
	for _, r := range b.Requests() {
		m, p, _ := strings.Cut(r, " ")
		if (method == "" || m == method) && strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

// Put stores entity as-is (assigning id and reference id when missing) and
// returns its JSON object. No event is published.
func (b *Backend) Put(kind domain.Kind, entity any) map[string]any {
	obj := toObject(entity)
	b.fillDefaults(kind, obj)
	b.entities[kind].Set(obj["id"].(string), obj)
	return obj
}

// Entity returns the stored JSON object.
func (b *Backend) Entity(kind domain.Kind, id string) (map[string]any, bool) {
	return b.entities[kind].Get(id)
}

// Mutate changes fields of a stored entity as another client would and
// publishes an "updated" event.
func (b *Backend) Mutate(kind domain.Kind, id string, fields map[string]any) bool {
	obj, ok := b.entities[kind].Get(id)
	if !ok {
		return false
	}
	obj = cloneObject(obj)
	for k, v := range fields {
		obj[k] = v
	}
	obj["updated_at"] = Now()
	b.entities[kind].Set(id, obj)
	b.Publish(Event{EntityType: string(kind), EntityID: id, Action: "updated"})
	return true
}

// Remove deletes a stored entity as another client would and publishes a
// "deleted" event.
func (b *Backend) Remove(kind domain.Kind, id string) {
	b.entities[kind].Delete(id)
	b.Publish(Event{EntityType: string(kind), EntityID: id, Action: "deleted"})
}

// Subscribers returns the number of connected websocket clients.
func (b *Backend) Subscribers() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// Publish sends ev to every websocket subscriber.
func (b *Backend) Publish(ev Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for c := range b.subs {
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteJSON(ev); err != nil {
			_ = c.Close()
			delete(b.subs, c)
		}
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (b *Backend) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, r.Method+" "+r.URL.Path)
		var injected *failure
		for i, f := range b.failures {
			if (f.method == "" || f.method == r.Method) && strings.HasPrefix(r.URL.Path, f.prefix) {
				injected = f
				f.times--
				if f.times <= 0 {
					b.failures = append(b.failures[:i], b.failures[i+1:]...)
				}
				break
			}
		}
		b.mu.Unlock()

		if injected != nil {
			writeError(w, injected.status, injected.message)
			return
		}

		if r.URL.Path != "/api/v1/auth/login" {
			if err := b.authenticate(r); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authenticate(r *http.Request) error {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return fmt.Errorf("Not authenticated")
	}
	_, err := jwt.ParseWithClaims(raw, &auth.Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(backendSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("Could not validate credentials")
	}
	return nil
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid login body")
		return
	}
	b.mu.Lock()
	u, ok := b.users[req.Username]
	b.mu.Unlock()
	if !ok || u.password != req.Password {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      b.Token(u.user),
		"expires_at": time.Now().Add(b.TokenTTL).UTC(),
		"user":       u.user,
	})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *Backend) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.subMu.Lock()
	b.subs[conn] = struct{}{}
	b.subMu.Unlock()

	// Drain until the client goes away.
	go func() {
		defer func() {
			b.subMu.Lock()
			delete(b.subs, conn)
			b.subMu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Backend) kindOf(w http.ResponseWriter, r *http.Request) (domain.Kind, bool) {
	resource := mux.Vars(r)["resource"]
	for _, k := range domain.Kinds() {
		if k.Resource() == resource {
			return k, true
		}
	}
	writeError(w, http.StatusNotFound, "Not Found")
	return "", false
}

func (b *Backend) lookup(w http.ResponseWriter, r *http.Request) (domain.Kind, map[string]any, bool) {
	kind, ok := b.kindOf(w, r)
	if !ok {
		return "", nil, false
	}
	id := mux.Vars(r)["id"]
	obj, ok := b.entities[kind].Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", kind.Label()))
		return "", nil, false
	}
	return kind, cloneObject(obj), true
}

func (b *Backend) list(w http.ResponseWriter, r *http.Request) {
	kind, ok := b.kindOf(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	parentKey := domain.ParentKey(kind)

	var items []map[string]any
	for _, obj := range b.entities[kind].All() {
		if !matches(obj, "status", q.Get("status")) ||
			!matches(obj, "priority", q.Get("priority")) ||
			!matches(obj, "assignee_id", q.Get("assignee_id")) ||
			!matches(obj, "creator_id", q.Get("creator_id")) ||
			(parentKey != "" && !matches(obj, parentKey, q.Get(parentKey))) {
			continue
		}
		if s := strings.ToLower(q.Get("search")); s != "" {
			text := strings.ToLower(fmt.Sprint(obj["title"], " ", obj["description"]))
			if !strings.Contains(text, s) {
				continue
			}
		}
		items = append(items, obj)
	}
	sort.Slice(items, func(i, j int) bool {
		return fmt.Sprint(items[i]["reference_id"]) < fmt.Sprint(items[j]["reference_id"])
	})

	total := len(items)
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset > total {
		offset = total
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":        items,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}

func (b *Backend) get(w http.ResponseWriter, r *http.Request) {
	_, obj, ok := b.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (b *Backend) create(w http.ResponseWriter, r *http.Request) {
	kind, ok := b.kindOf(w, r)
	if !ok {
		return
	}
	var obj map[string]any
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	delete(obj, "id")
	delete(obj, "reference_id")
	if err := validateObject(kind, obj); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.fillDefaults(kind, obj)
	b.entities[kind].Set(obj["id"].(string), obj)
	b.Publish(Event{EntityType: string(kind), EntityID: obj["id"].(string), Action: "created"})
	writeJSON(w, http.StatusCreated, obj)
}

func (b *Backend) update(w http.ResponseWriter, r *http.Request) {
	kind, obj, ok := b.lookup(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	for k, v := range patch {
		switch k {
		case "id", "reference_id", "created_at", "creator_id":
			continue
		}
		obj[k] = v
	}
	if err := validateObject(kind, obj); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.save(kind, obj, "updated")
	writeJSON(w, http.StatusOK, obj)
}

func (b *Backend) remove(w http.ResponseWriter, r *http.Request) {
	kind, obj, ok := b.lookup(w, r)
	if !ok {
		return
	}
	id := obj["id"].(string)
	b.entities[kind].Delete(id)
	b.Publish(Event{EntityType: string(kind), EntityID: id, Action: "deleted"})
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) changeStatus(w http.ResponseWriter, r *http.Request) {
	kind, obj, ok := b.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Status domain.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if !domain.ValidStatus(kind, body.Status) {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Invalid status: %s", body.Status))
		return
	}
	obj["status"] = string(body.Status)
	b.save(kind, obj, "status_changed")
	writeJSON(w, http.StatusOK, obj)
}

func (b *Backend) assign(w http.ResponseWriter, r *http.Request) {
	kind, obj, ok := b.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		AssigneeID *string `json:"assignee_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if body.AssigneeID == nil {
		delete(obj, "assignee_id")
	} else {
		obj["assignee_id"] = *body.AssigneeID
	}
	b.save(kind, obj, "assigned")
	writeJSON(w, http.StatusOK, obj)
}

func (b *Backend) save(kind domain.Kind, obj map[string]any, action string) {
	obj["updated_at"] = Now()
	id := obj["id"].(string)
	b.entities[kind].Set(id, obj)
	b.Publish(Event{EntityType: string(kind), EntityID: id, Action: action})
}

func (b *Backend) fillDefaults(kind domain.Kind, obj map[string]any) {
	b.mu.Lock()
	b.seq[kind]++
	n := b.seq[kind]
	b.mu.Unlock()

	if id, _ := obj["id"].(string); id == "" {
		obj["id"] = GenerateID()
	}
	if ref, _ := obj["reference_id"].(string); ref == "" {
		obj["reference_id"] = fmt.Sprintf("%s-%03d", kind.Prefix(), n)
	}
	if s, _ := obj["status"].(string); s == "" {
		obj["status"] = string(domain.StatusDraft)
		if kind == domain.KindAcceptanceCriteria {
			obj["status"] = string(domain.StatusPending)
		}
	}
	if _, ok := obj["priority"]; !ok {
		obj["priority"] = float64(domain.PriorityMedium)
	}
	now := Now()
	if _, ok := obj["created_at"]; !ok {
		obj["created_at"] = now
	}
	if _, ok := obj["updated_at"]; !ok {
		obj["updated_at"] = now
	}
}

// =============================================================================
// Helpers
// =============================================================================

func validateObject(kind domain.Kind, obj map[string]any) error {
	var target interface{ Validate() error }
	switch kind {
	case domain.KindEpic:
		target = &domain.Epic{}
	case domain.KindUserStory:
		target = &domain.UserStory{}
	case domain.KindRequirement:
		target = &domain.Requirement{}
	case domain.KindAcceptanceCriteria:
		target = &domain.AcceptanceCriteria{}
	case domain.KindSteeringDocument:
		target = &domain.SteeringDocument{}
	default:
		return fmt.Errorf("unknown kind %s", kind)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return err
	}
	return target.Validate()
}

func matches(obj map[string]any, field, want string) bool {
	if want == "" {
		return true
	}
	v, ok := obj[field]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == want
}

func toObject(v any) map[string]any {
	if obj, ok := v.(map[string]any); ok {
		return cloneObject(obj)
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal entity: %v", err))
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		panic(fmt.Sprintf("unmarshal entity: %v", err))
	}
	return obj
}

func cloneObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
