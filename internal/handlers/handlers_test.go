package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"storyreel/internal/artifacts"
	"storyreel/internal/capabilities"
	"storyreel/internal/config"
	"storyreel/internal/events"
	"storyreel/internal/models"
	"storyreel/internal/pipeline"
	"storyreel/internal/registry"
	"storyreel/internal/stages"

	"github.com/donovanhide/eventsource"
	"github.com/gorilla/websocket"
)

const cafeStory = "Two friends, Ana and Leo, meet at a cafe. Then they walk in a park."

type stubComposer struct{}

func (stubComposer) Compose(_ context.Context, in []models.SceneArtifact, _ capabilities.ProgressFunc) (models.Media, error) {
	return models.Media{Data: []byte("fake-mp4-bytes"), MIMEType: "video/mp4"}, nil
}

type waitingImages struct {
	once    sync.Once
	started chan struct{}
}

func (w *waitingImages) Generate(ctx context.Context, _ string) (models.Media, error) {
	w.once.Do(func() { close(w.started) })
	<-ctx.Done()
	return models.Media{}, ctx.Err()
}

func newTestApp(t *testing.T, images capabilities.ImageGenerator) *App {
	t.Helper()
	return newTestAppWithLimit(t, images, 2000)
}

func newTestAppWithLimit(t *testing.T, images capabilities.ImageGenerator, maxStoryBytes int) *App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := artifacts.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if images == nil {
		images = capabilities.PlaceholderImages{}
	}

	cfg := config.Default().Pipeline
	reg := registry.New()
	bus := events.NewBus(cfg.EventHistory)
	runner := stages.NewRunner(stages.Capabilities{
		Text:     capabilities.NewLocalAnalyzer(),
		Images:   images,
		Speech:   capabilities.SilentSpeech{},
		Composer: stubComposer{},
	}, bus, logger, cfg.StageTimeout)

	orch, err := pipeline.New(logger, cfg, maxStoryBytes, reg, bus, runner, store)
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Release(ctx)
	})

	return NewApp(logger, orch, reg, bus, store, maxStoryBytes)
}

func submitJSON(t *testing.T, app *App, story string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"story_text": story})
	req := httptest.NewRequest(http.MethodPost, "/api/stories", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	return rec
}

func processIDFrom(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["process_id"] == "" {
		t.Fatalf("missing process_id: %v", resp)
	}
	return resp["process_id"]
}

func pollUntilTerminal(t *testing.T, app *App, id string) processResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processes/"+id, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("poll returned %d", rec.Code)
		}
		var p processResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
			t.Fatalf("invalid poll body: %v", err)
		}
		if p.Status.Terminal() {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s did not finish", id)
	return processResponse{}
}

func TestSubmitPollAndRangeRead(t *testing.T) {
	app := newTestApp(t, nil)
	id := processIDFrom(t, submitJSON(t, app, cafeStory))

	p := pollUntilTerminal(t, app, id)
	if p.Status != models.StatusDone || p.VideoID == "" || p.VideoURL != "/api/videos/"+p.VideoID {
		t.Fatalf("unexpected final status: %+v", p)
	}

	req := httptest.NewRequest(http.MethodGet, p.VideoURL, nil)
	req.Header.Set("Range", "bytes=5-7")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "mp4" {
		t.Fatalf("unexpected range body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestSubmitStoryForm(t *testing.T) {
	app := newTestApp(t, nil)

	form := url.Values{"story_text": {cafeStory}}
	req := httptest.NewRequest(http.MethodPost, "/api/stories", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	id := processIDFrom(t, rec)
	pollUntilTerminal(t, app, id)
}

func TestSubmitRejectsInvalidStories(t *testing.T) {
	app := newTestApp(t, nil)

	cases := map[string]string{
		"empty":     "   ",
		"oversized": strings.Repeat("word ", 1000),
	}
	for name, story := range cases {
		t.Run(name, func(t *testing.T) {
			rec := submitJSON(t, app, story)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if n := len(app.registry.List(0)); n != 0 {
		t.Fatalf("rejected stories must not create processes, got %d", n)
	}
}

func TestUnknownIDsReturnNotFound(t *testing.T) {
	app := newTestApp(t, nil)

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/processes/nope"},
		{http.MethodDelete, "/api/processes/nope"},
		{http.MethodGet, "/api/processes/nope/logs"},
		{http.MethodGet, "/ws/nope"},
		{http.MethodGet, "/api/videos/nope"},
		{http.MethodGet, "/process/nope"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestLogStreamOverSSE(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	id := processIDFrom(t, submitJSON(t, app, cafeStory))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/processes/"+id+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	stream, err := eventsource.SubscribeWithRequest("", req)
	if err != nil {
		t.Fatalf("SubscribeWithRequest failed: %v", err)
	}
	defer stream.Close()

	var (
		last    int64
		started bool
		timeout = time.After(10 * time.Second)
	)
	for {
		select {
		case ev := <-stream.Events:
			var evt models.LogEvent
			if err := json.Unmarshal([]byte(ev.Data()), &evt); err != nil {
				t.Fatalf("invalid event payload %q: %v", ev.Data(), err)
			}
			if evt.Sequence <= last || ev.Id() == "" {
				t.Fatalf("sequence %d (id %q) after %d", evt.Sequence, ev.Id(), last)
			}
			last = evt.Sequence
			if evt.Message == "pipeline started" {
				started = true
			}
			if evt.Kind.Terminal() {
				if evt.Kind != models.EventDone || !started {
					t.Fatalf("unexpected end of stream: %+v (started=%v)", evt, started)
				}
				return
			}
		case <-timeout:
			t.Fatalf("no terminal event received, last sequence %d", last)
		}
	}
}

func TestLogStreamOverWebsocket(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	id := processIDFrom(t, submitJSON(t, app, cafeStory))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/"+id, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var terminal models.LogEvent
	for {
		var evt models.LogEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("ReadJSON failed before terminal event: %v", err)
		}
		if evt.Kind.Terminal() {
			terminal = evt
			break
		}
	}
	if terminal.Kind != models.EventDone {
		t.Fatalf("unexpected terminal event %+v", terminal)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after terminal event, got %v", err)
	}
}

func TestCancelEndpoint(t *testing.T) {
	images := &waitingImages{started: make(chan struct{})}
	app := newTestApp(t, images)

	id := processIDFrom(t, submitJSON(t, app, cafeStory))
	select {
	case <-images.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("image generation never started")
	}

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/processes/"+id, nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	p := pollUntilTerminal(t, app, id)
	if p.Status != models.StatusFailed || !strings.Contains(p.Error, "canceled") || p.VideoURL != "" {
		t.Fatalf("unexpected canceled process: %+v", p)
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/processes/"+id, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on finished process, got %d", rec.Code)
	}
}

func TestPagesRender(t *testing.T) {
	app := newTestApp(t, nil)
	id := processIDFrom(t, submitJSON(t, app, cafeStory))

	for _, path := range []string{"/", "/process/" + id, "/healthz"} {
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), id) {
		t.Fatalf("index page does not list the submitted process")
	}
}

func TestSubscribeRechecksRegistry(t *testing.T) {
	app := newTestApp(t, nil)

	p := app.registry.Create()
	if err := app.registry.SetError(p.ID, "boom"); err != nil {
		t.Fatalf("SetError failed: %v", err)
	}
	// Cleanup runs between the handler's lookup and its subscription.
	app.registry.Prune(time.Now().Add(time.Hour))
	app.events.Forget(p.ID)

	if sub, ok := app.subscribe(p.ID); ok {
		sub.Close()
		t.Fatalf("subscription to a pruned process should be refused")
	}

	live := app.registry.Create()
	sub, ok := app.subscribe(live.ID)
	if !ok {
		t.Fatalf("subscription to a live process was refused")
	}
	sub.Close()
}

func TestSubmitFormSizedByDecodedStory(t *testing.T) {
	app := newTestAppWithLimit(t, nil, 10000)

	post := func(story string) *httptest.ResponseRecorder {
		form := url.Values{"story_text": {story}}
		req := httptest.NewRequest(http.MethodPost, "/api/stories", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, req)
		return rec
	}

	// 9800 bytes of text, close to three times that once encoded.
	id := processIDFrom(t, post(strings.Repeat("é", 4900)))
	pollUntilTerminal(t, app, id)

	rec := post(strings.Repeat("é", 6000))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "exceeds 10000 bytes") {
		t.Fatalf("expected size validation message, got %s", rec.Body.String())
	}
}
