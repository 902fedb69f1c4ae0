package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/engine"
	"dutyline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
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
	req.Header.Set("X-Actor-Id", "tester")
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

func decodeBody(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func TestWorkItemLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items", map[string]any{
		"title":            "Monthly VAT filing",
		"kind":             "obligation",
		"reference_date":   "2024-01-10",
		"days_to_target":   3,
		"days_to_deadline": 5,
		"day_count_mode":   "business",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created WorkItemResponse
	decodeBody(t, data, &created)
	if created.TargetDate != "2024-01-15" || created.DeadlineDate != "2024-01-17" {
		t.Fatalf("derived dates wrong: %s / %s", created.TargetDate, created.DeadlineDate)
	}
	if created.StatusBucket != "upcoming_window" {
		t.Fatalf("expected upcoming_window, got %s", created.StatusBucket)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items/"+created.ID+"/activities", map[string]any{
		"kind":  "checklist",
		"label": "Prepare figures",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add activity status %d: %s", res.StatusCode, string(data))
	}
	var act ActivityResponse
	decodeBody(t, data, &act)

	// Conclusion is gated on the pending activity.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items/"+created.ID+"/conclude", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decodeBody(t, data, &envelope)
	if envelope.Error.Code != "pending_activities" {
		t.Fatalf("expected pending_activities, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["pending_count"].(float64) != 1 {
		t.Fatalf("expected pending_count 1, got %v", envelope.Error.Details["pending_count"])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+act.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items/"+created.ID+"/conclude", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("conclude status %d: %s", res.StatusCode, string(data))
	}
	var concluded WorkItemResponse
	decodeBody(t, data, &concluded)
	if concluded.Status != "concluded" || concluded.StatusBucket != "completed" {
		t.Fatalf("unexpected final state: %+v", concluded)
	}

	// A second conclude is a state conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items/"+created.ID+"/conclude", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkItemListCursorWalk(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	seen := map[string]bool{}
	for _, title := range []string{"January filing", "February filing", "March filing"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items", map[string]any{
			"title":          title,
			"reference_date": "2024-01-10",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", res.StatusCode, string(data))
		}
		var w WorkItemResponse
		decodeBody(t, data, &w)
		seen[w.ID] = false
	}

	// Walk one item per page; every item must come back exactly once.
	cursor := ""
	for pages := 0; pages < len(seen)+1; pages++ {
		endpoint := srv.URL + "/v0/work-items?limit=1"
		if cursor != "" {
			endpoint += "&cursor=" + url.QueryEscape(cursor)
		}
		res, data := doJSON(t, client, http.MethodGet, endpoint, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedWorkItems
		decodeBody(t, data, &page)
		for _, w := range page.Items {
			if done, ok := seen[w.ID]; !ok || done {
				t.Fatalf("unexpected or duplicate item %s", w.ID)
			}
			seen[w.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	for id, done := range seen {
		if !done {
			t.Fatalf("item %s never returned while paging", id)
		}
	}
}

func TestActivityCancelJustificationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items", map[string]any{
		"title":          "Quarterly report",
		"reference_date": "2024-01-10",
	}, nil)
	var w WorkItemResponse
	decodeBody(t, data, &w)

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items/"+w.ID+"/activities", map[string]any{
		"kind":                "checklist",
		"label":               "Review draft",
		"cancellation_policy": "requires_justification",
	}, nil)
	var act ActivityResponse
	decodeBody(t, data, &act)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+act.ID+"/cancel", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank justification, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+act.ID+"/cancel", map[string]any{
		"justification": "client withdrew",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var cancelled ActivityResponse
	decodeBody(t, data, &cancelled)
	if cancelled.Justification == nil || *cancelled.Justification != "client withdrew" {
		t.Fatalf("justification missing: %+v", cancelled.Justification)
	}
}

func TestCollabCallbacksOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items", map[string]any{
		"title":          "Payroll closing",
		"reference_date": "2024-01-10",
	}, nil)
	var w WorkItemResponse
	decodeBody(t, data, &w)

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items/"+w.ID+"/activities", map[string]any{
		"kind":  "pdf_layout_validation",
		"label": "Validate payslip layout",
	}, nil)
	var act ActivityResponse
	decodeBody(t, data, &act)

	// Manual completion is rejected for validator-driven kinds.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+act.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+act.ID+"/validate-pdf", map[string]any{
		"processed": false,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unprocessed layout, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+act.ID+"/validate-pdf", map[string]any{
		"processed": true,
		"receipt":   "proc-42",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var completed ActivityResponse
	decodeBody(t, data, &completed)
	if completed.State != "completed" || completed.Receipt == nil || *completed.Receipt != "proc-42" {
		t.Fatalf("validation result not recorded: %+v", completed)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/work-items", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestJWTLoginFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, map[string]string{"X-Actor-Id": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	decodeBody(t, data, &login)
	if login.Token == "" {
		t.Fatal("empty token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
		"X-Actor-Id":    "",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	decodeBody(t, data, &who)
	if who.ActorID != "alice" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}
}

func TestEventsRecorded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-items", map[string]any{
		"title":          "Annual statement",
		"reference_date": "2024-01-10",
	}, nil)
	var w WorkItemResponse
	decodeBody(t, data, &w)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?work_item_id="+w.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	decodeBody(t, data, &page)
	if len(page.Items) == 0 {
		t.Fatal("expected at least one event")
	}
	if page.Items[0].Type != "work_item.created" {
		t.Fatalf("expected work_item.created, got %s", page.Items[0].Type)
	}
	if page.Items[0].ActorID != "tester" {
		t.Fatalf("expected actor tester, got %s", page.Items[0].ActorID)
	}
}
