package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	capahttp "github.com/opencapa/capa-engine/internal/api/http"
	"github.com/opencapa/capa-engine/internal/auth"
	"github.com/opencapa/capa-engine/internal/events"
	"github.com/opencapa/capa-engine/internal/lifecycle"
	"github.com/opencapa/capa-engine/internal/problems"
	"github.com/opencapa/capa-engine/internal/render"
	"github.com/opencapa/capa-engine/internal/state"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

type mapSource map[string]problems.Definition

func (m mapSource) Load(id string) (problems.Definition, error) {
	def, ok := m[id]
	if !ok {
		return problems.Definition{}, fmt.Errorf("no such problem %q", id)
	}
	return def, nil
}

type captureQueue struct {
	headers []string
	bodies  []string
}

func (q *captureQueue) SendToQueue(_ context.Context, header, body string, _ map[string][]byte) error {
	q.headers = append(q.headers, header)
	q.bodies = append(q.bodies, body)
	return nil
}

func testServer(t *testing.T, source mapSource, queue xqueue.Submitter) (*capahttp.Server, http.Handler) {
	t.Helper()
	renderer, err := render.NewTemplateRenderer()
	if err != nil {
		t.Fatal(err)
	}
	s := &capahttp.Server{
		Auth:          auth.NewService("test-secret"),
		Store:         state.NewMemoryStore(),
		Events:        events.NewMemoryRecorder(),
		Renderer:      renderer,
		Source:        source,
		Queue:         queue,
		QueueName:     "default",
		CallbackBase:  "http://lms.example.com",
		DefaultCourse: "course-1",
		Waittime:      5 * time.Second,
	}
	return s, s.Routes()
}

func bearer(t *testing.T, s *capahttp.Server, user, role string) string {
	t.Helper()
	tok, err := s.Auth.IssueJWT(user, role)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func doJSON(t *testing.T, h http.Handler, method, url, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const stringProblem = `<problem>
  <stringresponse answer="paris" type="ci">
    <textline/>
  </stringresponse>
</problem>`

func TestProblemCheckFlow(t *testing.T) {
	source := mapSource{"geo": {
		Markup:   stringProblem,
		Settings: lifecycle.Settings{Rerandomize: "never", ShowAnswer: "answered"},
	}}
	s, h := testServer(t, source, nil)
	tok := bearer(t, s, "student-1", auth.RoleStudent)

	w := doJSON(t, h, "GET", "/api/problems/geo", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d: %s", w.Code, w.Body)
	}
	var view struct {
		HTML      string `json:"html"`
		ShowCheck bool   `json:"show_check"`
		MaxScore  int    `json:"max_score"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(view.HTML, "<input") || !view.ShowCheck || view.MaxScore != 1 {
		t.Fatalf("view = %+v", view)
	}

	// show-answer is gated until answered
	w = doJSON(t, h, "POST", "/api/problems/geo/show", tok, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("premature show: status %d", w.Code)
	}

	w = doJSON(t, h, "POST", "/api/problems/geo/check", tok,
		map[string]any{"answers": map[string]any{"geo_2_1": "Paris"}})
	if w.Code != http.StatusOK {
		t.Fatalf("check: status %d: %s", w.Code, w.Body)
	}
	var res struct {
		Success bool `json:"success"`
		Check   struct {
			Score    int `json:"score"`
			Attempts int `json:"attempts"`
		} `json:"check"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Check.Score != 1 || res.Check.Attempts != 1 {
		t.Fatalf("check result = %+v", res)
	}

	w = doJSON(t, h, "POST", "/api/problems/geo/show", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("show after answering: status %d: %s", w.Code, w.Body)
	}
	var show struct {
		Answers map[string]string `json:"answers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &show); err != nil {
		t.Fatal(err)
	}
	if show.Answers["geo_2_1"] != "paris" {
		t.Errorf("answers = %v", show.Answers)
	}
}

func TestProblemRequiresAuth(t *testing.T) {
	source := mapSource{"geo": {Markup: stringProblem, Settings: lifecycle.Settings{Rerandomize: "never"}}}
	_, h := testServer(t, source, nil)
	if w := doJSON(t, h, "GET", "/api/problems/geo", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}

func TestUnknownProblemIs404(t *testing.T) {
	s, h := testServer(t, mapSource{}, nil)
	tok := bearer(t, s, "student-1", auth.RoleStudent)
	if w := doJSON(t, h, "GET", "/api/problems/nope", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

const codeProblem = `<problem>
  <coderesponse queuename="python-q">
    <textbox/>
    <codeparam><grader_payload>{"tests": "basic"}</grader_payload></codeparam>
  </coderesponse>
</problem>`

func graderCallback(t *testing.T, header string, score float64, feedback string) map[string]string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"score":    score,
		"success":  true,
		"feedback": feedback,
	})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]string{
		"xqueue_header": header,
		"xqueue_body":   string(body),
	}
}

func TestXQueueCallbackIdempotent(t *testing.T) {
	source := mapSource{"code": {
		Markup:   codeProblem,
		Settings: lifecycle.Settings{Rerandomize: "never", ShowAnswer: "never"},
	}}
	queue := &captureQueue{}
	s, h := testServer(t, source, queue)
	tok := bearer(t, s, "student-1", auth.RoleStudent)

	w := doJSON(t, h, "POST", "/api/problems/code/check", tok,
		map[string]any{"answers": map[string]any{"code_2_1": "print(1)"}})
	if w.Code != http.StatusOK {
		t.Fatalf("check: status %d: %s", w.Code, w.Body)
	}
	if len(queue.headers) != 1 {
		t.Fatalf("queue submissions = %d", len(queue.headers))
	}
	var hdr xqueue.Header
	if err := json.Unmarshal([]byte(queue.headers[0]), &hdr); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hdr.LMSCallbackURL, "http://lms.example.com/xqueue_callback/course-1/student-1/code") {
		t.Fatalf("callback url = %q", hdr.LMSCallbackURL)
	}

	callbackURL := "/xqueue_callback/course-1/student-1/code"
	payload := graderCallback(t, queue.headers[0], 1.0, "looks good")

	w = doJSON(t, h, "POST", callbackURL, "", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("callback: status %d: %s", w.Code, w.Body)
	}
	var reply struct {
		ReturnCode int `json:"return_code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.ReturnCode != 0 {
		t.Fatalf("return_code = %d: %s", reply.ReturnCode, w.Body)
	}

	view := getView(t, h, tok, "/api/problems/code")
	if view.Score != 1 || view.Queued {
		t.Fatalf("after callback: %+v", view)
	}

	// replaying the same callback is acknowledged and changes nothing
	w = doJSON(t, h, "POST", callbackURL, "", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: status %d", w.Code)
	}
	again := getView(t, h, tok, "/api/problems/code")
	if again.Score != view.Score || again.Queued != view.Queued {
		t.Fatalf("replay changed state: %+v vs %+v", again, view)
	}

	// a callback for a student with no state is acknowledged, not escalated
	w = doJSON(t, h, "POST", "/xqueue_callback/course-1/ghost/code", "", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("ghost callback: status %d", w.Code)
	}
}

type viewResult struct {
	Score  int  `json:"score"`
	Queued bool `json:"queued"`
}

func getView(t *testing.T, h http.Handler, tok, url string) viewResult {
	t.Helper()
	w := doJSON(t, h, "GET", url, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get view: status %d: %s", w.Code, w.Body)
	}
	var v viewResult
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	_, h := testServer(t, mapSource{}, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}
