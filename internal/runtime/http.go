package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/loqalabs/loqa-vcc/internal/command"
	"github.com/loqalabs/loqa-vcc/internal/dispatch"
	"github.com/loqalabs/loqa-vcc/internal/eventstore"
	"github.com/loqalabs/loqa-vcc/internal/registry"
)

const maxCorrectionsLimit = 500

type submitter interface {
	Submit(text string) dispatch.Ack
}

type ledger interface {
	ListRecent(ctx context.Context, kind string, limit int) ([]eventstore.Event, error)
}

// Status is the body of GET /v1/status.
type Status struct {
	Ready        bool            `json:"ready"`
	Degraded     bool            `json:"degraded"`
	Pending      int             `json:"pending"`
	NextSequence uint64          `json:"next_sequence"`
	LastSequence uint64          `json:"last_sequence"`
	Outstanding  int             `json:"outstanding_invocations"`
	Transport    string          `json:"transport"`
	Tools        []registry.Tool `json:"tools"`
}

type commandRequest struct {
	Text string `json:"text"`
}

type api struct {
	submitter     submitter
	ledger        ledger
	status        func() Status
	ready         func() bool
	metrics       http.Handler
	maxBytes      int
	ratePerMinute int
	logger        *slog.Logger
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/status", a.handleStatus)
		v1.Get("/corrections", a.handleCorrections)
		v1.Group(func(intake chi.Router) {
			if a.ratePerMinute > 0 {
				intake.Use(httprate.LimitByIP(a.ratePerMinute, time.Minute))
			}
			intake.Post("/commands", a.handleCommand)
		})
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleCommand(w http.ResponseWriter, req *http.Request) {
	// Room for the JSON envelope and escapes around a maximal command.
	body := http.MaxBytesReader(w, req.Body, int64(a.maxBytes)*2+1024)
	var in commandRequest
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, dispatch.Ack{Reason: command.ReasonTooLarge})
			return
		}
		if errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, dispatch.Ack{Reason: "request body is empty"})
			return
		}
		writeJSON(w, http.StatusBadRequest, dispatch.Ack{Reason: "invalid JSON body"})
		return
	}
	if a.maxBytes > 0 && len(in.Text) > a.maxBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, dispatch.Ack{Reason: command.ReasonTooLarge})
		return
	}

	ack := a.submitter.Submit(in.Text)
	switch {
	case ack.Accepted:
		writeJSON(w, http.StatusAccepted, ack)
	case ack.Reason == dispatch.ReasonShuttingDown:
		writeJSON(w, http.StatusServiceUnavailable, ack)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, ack)
	}
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

func (a *api) handleCorrections(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxCorrectionsLimit)
	}
	events, err := a.ledger.ListRecent(req.Context(), eventstore.KindCorrection, limit)
	if err != nil {
		a.logger.Error("failed to list corrections", slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger unavailable"})
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrections": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
