package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/sse"
)

const (
	testProject = "proj-1"
	testSecret  = "0123456789abcdef-test-secret"
)

var actor = map[string]string{"X-Actor-Id": "alice"}

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.History.RetryMaxElapsed = 0
	e := engine.New(conn, cfg)
	if _, err := e.CreateProject(context.Background(), testProject, "Demo", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	broker := sse.NewBroker()
	e.Cache.OnInvalidate(broker.Invalidated)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Broker:   broker,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			broker.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			e.Wait()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func createTask(t *testing.T, srv *testServer, title string, extra map[string]any) domain.Entity {
	t.Helper()
	body := map[string]any{"title": title}
	for k, v := range extra {
		body[k] = v
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks", body, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var ent domain.Entity
	if err := json.Unmarshal(data, &ent); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return ent
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestJWTActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":   "proj-2",
		"name": "Second",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStagesAndFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages/leads", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stages status %d: %s", res.StatusCode, string(data))
	}
	var stages StagesResponse
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal stages: %v", err)
	}
	if len(stages.Stages) != 7 || stages.Stages[0].ID != "frio" || !stages.Ranked {
		t.Fatalf("unexpected lead stages: %+v", stages)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages/leads/propuesta/fields", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fields status %d: %s", res.StatusCode, string(data))
	}
	var fields FieldsResponse
	_ = json.Unmarshal(data, &fields)
	if len(fields.Fields) == 0 || fields.Fields[0].Name != "nombre_contacto" {
		t.Fatalf("unexpected fields: %+v", fields)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages/leads/nowhere/fields", nil, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stage, got %d", res.StatusCode)
	}
}

func TestLeadMoveAndHistory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProject + "/leads"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{
		"stage_id": "hot",
		"name":     "Ana",
		"company":  "Acme",
		"value":    10000,
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lead status %d: %s", res.StatusCode, string(data))
	}
	var lead domain.Entity
	_ = json.Unmarshal(data, &lead)

	res, data = doJSON(t, client, http.MethodPost, base+"/"+lead.ID+"/move", map[string]any{
		"from_stage_id": "hot",
		"to_stage_id":   "propuesta",
	}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", res.StatusCode, string(data))
	}
	var moved MoveResponse
	_ = json.Unmarshal(data, &moved)
	if moved.Outcome != engine.OutcomeCommitted || moved.Entity.StageID != "propuesta" {
		t.Fatalf("unexpected move response: %+v", moved)
	}

	srv.engine.Wait()
	res, data = doJSON(t, client, http.MethodGet, base+"/"+lead.ID+"/history", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []domain.TransitionRecord
	_ = json.Unmarshal(data, &history)
	if len(history) != 1 || history[0].FromStageID != "hot" || history[0].ToStageID != "propuesta" || history[0].ActorID != "alice" {
		t.Fatalf("unexpected history: %+v", history)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"?view=board", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	var board BoardResponse
	_ = json.Unmarshal(data, &board)
	if board.Totals["propuesta"].Sum != 10000 || board.Totals["hot"].Count != 0 {
		t.Fatalf("unexpected totals: %+v", board.Totals)
	}
	if len(board.Columns) != 7 {
		t.Fatalf("expected 7 columns, got %d", len(board.Columns))
	}
}

func TestMoveNoOpAndInvalidStage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	task := createTask(t, srv, "Write brief", nil)
	url := srv.URL + "/v0/projects/" + testProject + "/tasks/" + task.ID + "/move"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{
		"from_stage_id": "todo",
		"to_stage_id":   "todo",
	}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("noop status %d: %s", res.StatusCode, string(data))
	}
	var moved MoveResponse
	_ = json.Unmarshal(data, &moved)
	if moved.Outcome != engine.OutcomeNoOp {
		t.Fatalf("expected noop, got %s", moved.Outcome)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"to_stage_id": "archived"}, actor)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_stage" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestCapacityExceeded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for i := 0; i < 5; i++ {
		createTask(t, srv, "task", nil)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks", map[string]any{"title": "one too many"}, actor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "capacity_exceeded" || env.Error.Details["limit"] != float64(5) {
		t.Fatalf("unexpected error: %+v", env.Error)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/capacity", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("capacity status %d: %s", res.StatusCode, string(data))
	}
	var st CapacityResponse
	_ = json.Unmarshal(data, &st)
	if st.Count != 5 || st.OK {
		t.Fatalf("unexpected capacity: %+v", st)
	}
}

func TestCompleteTaskWithFeedback(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	task := createTask(t, srv, "Ship", nil)
	base := srv.URL + "/v0/projects/" + testProject + "/tasks/" + task.ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/complete", map[string]any{
		"feedback": map[string]any{"result": "success", "difficulty": 2, "insights": "smooth"},
	}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done MoveResponse
	_ = json.Unmarshal(data, &done)
	if done.Entity.StageID != "done" || done.Entity.CompletedAt == nil {
		t.Fatalf("expected completed task, got %+v", done.Entity)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/completions", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completions status %d: %s", res.StatusCode, string(data))
	}
	var completions []domain.TaskCompletion
	_ = json.Unmarshal(data, &completions)
	if len(completions) != 1 || completions[0].Feedback.Result != "success" {
		t.Fatalf("unexpected completions: %+v", completions)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/complete", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reopen status %d: %s", res.StatusCode, string(data))
	}
	var reopened MoveResponse
	_ = json.Unmarshal(data, &reopened)
	if reopened.Entity.StageID != "todo" || reopened.Entity.CompletedAt != nil {
		t.Fatalf("expected reopened task, got %+v", reopened.Entity)
	}
}

func TestDeleteTaskPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	task := createTask(t, srv, "Mine", map[string]any{"owner_id": "alice"})
	url := srv.URL + "/v0/projects/" + testProject + "/tasks/" + task.ID

	res, data := doJSON(t, srv.Client(), http.MethodDelete, url, nil, map[string]string{"X-Actor-Id": "mallory"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, url, nil, actor)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, url, nil, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestLeadFieldValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/leads", map[string]any{
		"name":  "Ana",
		"email": "not-an-email",
	}, actor)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_fields" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	if _, ok := env.Error.Details["empresa"]; !ok {
		t.Fatalf("expected empresa in details: %+v", env.Error.Details)
	}
	if _, ok := env.Error.Details["email_contacto"]; !ok {
		t.Fatalf("expected email_contacto in details: %+v", env.Error.Details)
	}
}

func TestListViewsAndActivity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createTask(t, srv, "Alpha", nil)
	createTask(t, srv, "Beta", map[string]any{"priority": 1})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/tasks?view=list&q=alp", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list BoardResponse
	_ = json.Unmarshal(data, &list)
	if list.View != "list" || len(list.Items) != 1 || list.Items[0].Name != "Alpha" {
		t.Fatalf("unexpected list: %+v", list)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/tasks?view=table", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("table status %d: %s", res.StatusCode, string(data))
	}
	var table BoardResponse
	_ = json.Unmarshal(data, &table)
	if len(table.Rows) != 2 || table.Rows[0].StageLabel != "Por hacer" {
		t.Fatalf("unexpected rows: %+v", table.Rows)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/activity?limit=10", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %s", res.StatusCode, string(data))
	}
	var activity []ActivityResponse
	_ = json.Unmarshal(data, &activity)
	if len(activity) != 3 || activity[0].Type != "task.created" || activity[2].Type != "project.created" {
		t.Fatalf("unexpected activity: %+v", activity)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/missing/tasks", nil, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown project, got %d", res.StatusCode)
	}
}

func TestEventsStreamInvalidations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/events?project="+testProject, nil)
	req.Header.Set("X-Actor-Id", "alice")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", resp.StatusCode)
	}

	lines := make(chan string, 16)
	go func() {
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	// the subscription registers asynchronously; keep creating until an event arrives
	deadline := time.After(2 * time.Second)
	for i := 0; ; i++ {
		if i < 4 {
			createTask(t, srv, "ping", nil)
		}
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed")
			}
			if strings.HasPrefix(line, "data:") && !strings.Contains(line, `"key":"tasks:proj-1"`) {
				t.Fatalf("unexpected data line %q", line)
			}
			if strings.TrimSpace(line) == "event: board.invalidated" {
				return
			}
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no invalidation received")
		}
	}
}
