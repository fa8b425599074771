package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/voxedit/internal/editor"
	"github.com/loqalabs/voxedit/internal/history"
	"github.com/loqalabs/voxedit/internal/session"
	"github.com/loqalabs/voxedit/internal/synth"
)

// journalReader is the read side of the generation journal.
type journalReader interface {
	ListSessionGenerations(ctx context.Context, sessionID string, limit int) ([]history.Generation, error)
}

type api struct {
	ctrl    *session.Controller
	journal journalReader
	log     *slog.Logger
}

type generateRequest struct {
	Text string `json:"text"`
}

type indexRequest struct {
	Index int `json:"index"`
}

type pitchRequest struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

type valueRequest struct {
	Value float64 `json:"value"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

type modeRequest struct {
	QuickAndDirty bool `json:"quick_n_dirty"`
}

type dragEndResponse struct {
	Changed bool            `json:"changed"`
	Editor  editor.Snapshot `json:"editor"`
}

func newAPI(ctrl *session.Controller, journal journalReader, log *slog.Logger) *api {
	return &api{ctrl: ctrl, journal: journal, log: log.With(slog.String("component", "api"))}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/editor", a.handleSnapshot)
	mux.HandleFunc("POST /api/voice", a.handleLoadVoice)
	mux.HandleFunc("POST /api/generate", a.handleGenerate)
	mux.HandleFunc("POST /api/mode", a.handleMode)

	mux.HandleFunc("POST /api/editor/focus", a.handleFocus)
	mux.HandleFunc("POST /api/editor/pitch", a.handlePitch)
	mux.HandleFunc("POST /api/editor/duration/begin", a.edit(func() error { a.ctrl.BeginDurationDrag(); return nil }))
	mux.HandleFunc("POST /api/editor/duration", a.handleDrag)
	mux.HandleFunc("POST /api/editor/duration/end", a.handleDragEnd)
	mux.HandleFunc("POST /api/editor/reset-letter", a.edit(a.ctrl.ResetLetter))
	mux.HandleFunc("POST /api/editor/reset", a.edit(func() error { a.ctrl.ResetAll(); return nil }))
	mux.HandleFunc("POST /api/editor/amplify", a.edit(func() error { a.ctrl.Amplify(); return nil }))
	mux.HandleFunc("POST /api/editor/flatten", a.edit(func() error { a.ctrl.Flatten(); return nil }))
	mux.HandleFunc("POST /api/editor/increase", a.edit(func() error { a.ctrl.IncreasePitch(); return nil }))
	mux.HandleFunc("POST /api/editor/decrease", a.edit(func() error { a.ctrl.DecreasePitch(); return nil }))
	mux.HandleFunc("POST /api/editor/pace", a.handlePace)
	mux.HandleFunc("POST /api/editor/auto-infer", a.handleAutoInfer)

	if a.journal != nil {
		mux.HandleFunc("GET /api/history/{session}", a.handleHistory)
	}
}

func (a *api) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *api) handleLoadVoice(w http.ResponseWriter, req *http.Request) {
	var v session.Voice
	if !decode(w, req, &v) {
		return
	}
	if err := a.ctrl.LoadVoice(req.Context(), v); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) handleGenerate(w http.ResponseWriter, req *http.Request) {
	var body generateRequest
	if !decode(w, req, &body) {
		return
	}
	gen, err := a.ctrl.Generate(req.Context(), body.Text)
	if err != nil {
		a.fail(w, err)
		return
	}
	if gen.Skipped {
		writeJSON(w, http.StatusAccepted, gen)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

// handleHistory lists the journalled rounds of one utterance session, oldest
// first. An optional limit query caps the result.
func (a *api) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	gens, err := a.journal.ListSessionGenerations(req.Context(), req.PathValue("session"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	if gens == nil {
		gens = []history.Generation{}
	}
	writeJSON(w, http.StatusOK, gens)
}

func (a *api) handleMode(w http.ResponseWriter, req *http.Request) {
	var body modeRequest
	if !decode(w, req, &body) {
		return
	}
	if err := a.ctrl.SetQuickAndDirty(req.Context(), body.QuickAndDirty); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) handleFocus(w http.ResponseWriter, req *http.Request) {
	var body indexRequest
	if !decode(w, req, &body) {
		return
	}
	a.respondEdit(w, a.ctrl.Focus(body.Index))
}

func (a *api) handlePitch(w http.ResponseWriter, req *http.Request) {
	var body pitchRequest
	if !decode(w, req, &body) {
		return
	}
	a.respondEdit(w, a.ctrl.SetPitch(body.Index, body.Value))
}

func (a *api) handleDrag(w http.ResponseWriter, req *http.Request) {
	var body valueRequest
	if !decode(w, req, &body) {
		return
	}
	a.respondEdit(w, a.ctrl.DragDuration(body.Value))
}

func (a *api) handleDragEnd(w http.ResponseWriter, _ *http.Request) {
	changed := a.ctrl.EndDurationDrag()
	writeJSON(w, http.StatusOK, dragEndResponse{Changed: changed, Editor: a.ctrl.Snapshot()})
}

func (a *api) handlePace(w http.ResponseWriter, req *http.Request) {
	var body valueRequest
	if !decode(w, req, &body) {
		return
	}
	a.respondEdit(w, a.ctrl.SetPace(body.Value))
}

func (a *api) handleAutoInfer(w http.ResponseWriter, req *http.Request) {
	var body toggleRequest
	if !decode(w, req, &body) {
		return
	}
	a.ctrl.SetAutoInfer(body.Enabled)
	writeJSON(w, http.StatusOK, body)
}

// edit wraps a body-less editor operation.
func (a *api) edit(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		a.respondEdit(w, op())
	}
}

func (a *api) respondEdit(w http.ResponseWriter, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if errors.Is(err, synth.ErrUnreachable) {
		msg = "service not reachable"
	}
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, synth.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, synth.ErrMalformedResponse), errors.Is(err, synth.ErrStatus):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrNoVoice), errors.Is(err, editor.ErrNoFocus):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyText),
		errors.Is(err, session.ErrInvalidVoice),
		errors.Is(err, editor.ErrIndexOutOfRange),
		errors.Is(err, editor.ErrInvalidValue):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
