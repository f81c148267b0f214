package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"storyreel/internal/artifacts"
	"storyreel/internal/events"
	"storyreel/internal/models"
	"storyreel/internal/pipeline"
	"storyreel/internal/registry"
	"storyreel/templates"

	"github.com/a-h/templ"
	"github.com/donovanhide/eventsource"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	defaultMaxStoryBytes = 20000
	requestOverhead      = 4096
	// Percent-encoding turns every non-ASCII byte into three.
	encodingExpansion = 3
	wsWriteTimeout       = 10 * time.Second
)

type App struct {
	logger *slog.Logger

	router   *chi.Mux
	pipeline *pipeline.Orchestrator
	registry *registry.Registry
	events   *events.Bus
	store    artifacts.Store

	maxStoryBytes int64

	upgrader websocket.Upgrader
}

func NewApp(logger *slog.Logger, orch *pipeline.Orchestrator, reg *registry.Registry, bus *events.Bus, store artifacts.Store, maxStoryBytes int) *App {
	if maxStoryBytes <= 0 {
		maxStoryBytes = defaultMaxStoryBytes
	}

	app := &App{
		logger:        logger,
		router:        chi.NewRouter(),
		pipeline:      orch,
		registry:      reg,
		events:        bus,
		store:         store,
		maxStoryBytes: int64(maxStoryBytes),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.corsMiddleware)

	a.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/", a.index)
		r.Get("/process/{id}", a.processPage)
		r.Post("/api/stories", a.submitStory)
		r.Get("/api/processes/{id}", a.processStatus)
		r.Delete("/api/processes/{id}", a.cancelProcess)
		r.Get("/healthz", a.health)
	})

	// Streams and video reads outlive the request timeout.
	a.router.Get("/api/processes/{id}/logs", a.processLogs)
	a.router.Get("/ws/{id}", a.processWS)
	a.router.Get("/api/videos/{id}", a.video)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, templates.IndexPage(a.registry.List(10)))
}

func (a *App) processPage(w http.ResponseWriter, r *http.Request) {
	p, err := a.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	a.render(w, r, templates.ProcessPage(p))
}

type submitRequest struct {
	StoryText string `json:"story_text"`
}

func (a *App) submitStory(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxStoryBytes*encodingExpansion+requestOverhead)

	text, err := a.readStory(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			verr := &models.ValidationError{Reason: fmt.Sprintf("story text exceeds %d bytes", a.maxStoryBytes)}
			a.respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		a.logger.Warn("invalid story submission", "error", err)
		a.respondError(w, http.StatusBadRequest, "could not read story_text")
		return
	}

	p, err := a.pipeline.Submit(r.Context(), text)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrValidation):
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, pipeline.ErrBusy):
		w.Header().Set("Retry-After", "30")
		a.respondError(w, http.StatusServiceUnavailable, "too many stories in progress, try again later")
		return
	default:
		a.logger.Error("failed to submit story", "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not start processing")
		return
	}

	a.respondJSON(w, http.StatusAccepted, map[string]string{
		"process_id": p.ID,
		"status":     string(p.Status),
		"status_url": "/api/processes/" + p.ID,
		"logs_url":   "/api/processes/" + p.ID + "/logs",
	})
}

func (a *App) readStory(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return req.StoryText, nil
	}

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(a.maxStoryBytes*encodingExpansion + requestOverhead); err != nil {
			return "", err
		}
	} else if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.FormValue("story_text"), nil
}

type processResponse struct {
	ProcessID string        `json:"process_id"`
	Status    models.Status `json:"status"`
	VideoID   string        `json:"video_id,omitempty"`
	VideoURL  string        `json:"video_url,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (a *App) processStatus(w http.ResponseWriter, r *http.Request) {
	p, err := a.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, http.StatusNotFound, "process not found")
		return
	}

	resp := processResponse{
		ProcessID: p.ID,
		Status:    p.Status,
		VideoID:   p.VideoID,
		Error:     p.Error,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Status == models.StatusDone {
		resp.VideoURL = "/api/videos/" + p.VideoID
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *App) cancelProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch err := a.pipeline.Cancel(id); {
	case err == nil:
		a.respondJSON(w, http.StatusAccepted, map[string]string{"status": "canceling", "process_id": id})
	case errors.Is(err, registry.ErrNotFound):
		a.respondError(w, http.StatusNotFound, "process not found")
	case errors.Is(err, registry.ErrAlreadyTerminal):
		a.respondError(w, http.StatusConflict, "process already finished")
	default:
		a.logger.Error("failed to cancel process", "process_id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not cancel process")
	}
}

// sseEvent adapts a LogEvent to the eventsource wire format.
type sseEvent struct {
	evt  models.LogEvent
	data string
}

func newSSEEvent(evt models.LogEvent) sseEvent {
	data, _ := json.Marshal(evt)
	return sseEvent{evt: evt, data: string(data)}
}

func (e sseEvent) Id() string    { return strconv.FormatInt(e.evt.Sequence, 10) }
func (e sseEvent) Event() string { return "log" }
func (e sseEvent) Data() string  { return e.data }

func (a *App) processLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.registry.Get(id); err != nil {
		a.respondError(w, http.StatusNotFound, "process not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Reconnecting clients resume after the last sequence they saw.
	var lastSeq int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastSeq, _ = strconv.ParseInt(v, 10, 64)
	}

	sub, ok := a.subscribe(id)
	if !ok {
		a.respondError(w, http.StatusNotFound, "process not found")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := eventsource.NewEncoder(w, false)
	for {
		evt, err := sub.Next(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				a.logger.Warn("log stream ended", "process_id", id, "error", err)
			}
			return
		}
		if evt.Sequence <= lastSeq {
			continue
		}
		if err := enc.Encode(newSSEEvent(evt)); err != nil {
			a.logger.Debug("log stream client gone", "process_id", id, "error", err)
			return
		}
		flusher.Flush()
	}
}

// subscribe attaches to a process stream. The registry is checked again after
// attaching: a process pruned in between has had its stream forgotten, and
// the fresh topic would never be closed.
func (a *App) subscribe(id string) (*events.Subscription, bool) {
	sub := a.events.Subscribe(id)
	if _, err := a.registry.Get(id); err != nil {
		sub.Close()
		return nil, false
	}
	return sub, true
}

func (a *App) processWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.registry.Get(id); err != nil {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}

	sub, ok := a.subscribe(id)
	if !ok {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}
	defer sub.Close()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(evt); err != nil {
			a.logger.Debug("websocket client gone", "process_id", id, "error", err)
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
		time.Now().Add(time.Second))
}

func (a *App) video(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := a.store.Open(r.Context(), id)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			http.Error(w, "video not found", http.StatusNotFound)
			return
		}
		a.logger.Error("failed to open video", "video_id", id, "error", err)
		http.Error(w, "could not read video", http.StatusInternalServerError)
		return
	}
	defer artifact.Close()

	if artifact.ContentType != "" {
		w.Header().Set("Content-Type", artifact.ContentType)
	}
	w.Header().Set("Content-Disposition", `inline; filename="`+id+`.mp4"`)
	http.ServeContent(w, r, id+".mp4", artifact.ModTime, artifact)
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error("failed to render template", "error", err)
		http.Error(w, "could not render page", http.StatusInternalServerError)
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, msg string) {
	a.respondJSON(w, code, map[string]string{"error": msg})
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, Range")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

