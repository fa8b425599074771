package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voxedit/internal/audiofile"
	"github.com/loqalabs/voxedit/internal/config"
	"github.com/loqalabs/voxedit/internal/editor"
	"github.com/loqalabs/voxedit/internal/history"
	"github.com/loqalabs/voxedit/internal/launcher"
	"github.com/loqalabs/voxedit/internal/session"
	"github.com/loqalabs/voxedit/internal/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// inferenceServer mimics the local synthesis server.
type inferenceServer struct {
	mu       sync.Mutex
	bodies   []map[string]any
	response string
}

func (s *inferenceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	resp := s.response
	s.mu.Unlock()
	switch r.URL.Path {
	case "/synthesize":
		_, _ = io.WriteString(w, resp)
	default:
		_, _ = io.WriteString(w, "")
	}
}

func (s *inferenceServer) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[len(s.bodies)-1]
}

func newTestAPI(t *testing.T, endpoint string) http.Handler {
	t.Helper()
	temp, err := audiofile.NewTempStore(t.TempDir(), "temp-", newLogger())
	require.NoError(t, err)
	ctrl, err := session.New(session.Options{}, session.Deps{
		Synth:  synth.NewClient(endpoint, 2*time.Second),
		Temp:   temp,
		Logger: newLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	mux := http.NewServeMux()
	newAPI(ctrl, nil, newLogger()).register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func snapshotOf(t *testing.T, rec *httptest.ResponseRecorder) editor.Snapshot {
	t.Helper()
	var snap editor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func TestGenerateEditReplay(t *testing.T) {
	inf := &inferenceServer{response: "0.1,0.2\n1,2\nhi"}
	srv := httptest.NewServer(inf)
	defer srv.Close()
	h := newTestAPI(t, srv.URL)

	rec := do(t, h, http.MethodPost, "/api/generate", `{"text":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/voice", `{"id":"v1","model":"models/v1","outputs":1,"model_speakers":1,"speaker_i":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "models/v1", inf.last()["model"])

	rec = do(t, h, http.MethodPost, "/api/generate", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var gen session.Generation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gen))
	assert.True(t, gen.Fresh)
	assert.Equal(t, []string{"h", "i"}, gen.Snapshot.Letters)
	assert.Equal(t, []any{}, inf.last()["pitch"])

	rec = do(t, h, http.MethodPost, "/api/editor/pitch", `{"index":0,"value":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := snapshotOf(t, rec)
	assert.Equal(t, editor.Edited, snap.State)
	assert.Equal(t, 0, snap.Focus)

	rec = do(t, h, http.MethodPost, "/api/editor/duration/begin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/editor/duration", `{"value":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/editor/duration/end", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":true`)

	rec = do(t, h, http.MethodPost, "/api/generate", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := inf.last()
	assert.Equal(t, []any{0.5, 0.2}, body["pitch"])
	assert.Equal(t, []any{2.0, 2.0}, body["duration"])
}

func TestEditorErrors(t *testing.T) {
	inf := &inferenceServer{response: "0,0\n1,1\nhi"}
	srv := httptest.NewServer(inf)
	defer srv.Close()
	h := newTestAPI(t, srv.URL)

	rec := do(t, h, http.MethodPost, "/api/editor/reset-letter", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/editor/focus", `{"index":4}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/editor/pace", `{"value":"fast"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/editor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, editor.Empty, snapshotOf(t, rec).State)

	rec = do(t, h, http.MethodGet, "/api/generate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAmplifyAndReset(t *testing.T) {
	inf := &inferenceServer{response: "1,-1\n1,1\nhi"}
	srv := httptest.NewServer(inf)
	defer srv.Close()
	h := newTestAPI(t, srv.URL)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/voice", `{"id":"v"}`).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/generate", `{"text":"hi"}`).Code)

	snap := snapshotOf(t, do(t, h, http.MethodPost, "/api/editor/amplify", ""))
	assert.InDelta(t, 1.025, snap.Pitch[0], 1e-9)
	assert.Equal(t, 1, snap.AmpFlatCounter)

	snap = snapshotOf(t, do(t, h, http.MethodPost, "/api/editor/increase", ""))
	assert.InDelta(t, 1.125, snap.Pitch[0], 1e-9)

	snap = snapshotOf(t, do(t, h, http.MethodPost, "/api/editor/reset", ""))
	assert.Equal(t, editor.Loaded, snap.State)
	assert.Equal(t, []float64{1, -1}, snap.Pitch)
}

func TestGenerateUnreachable(t *testing.T) {
	inf := &inferenceServer{}
	srv := httptest.NewServer(inf)
	h := newTestAPI(t, srv.URL)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/voice", `{"id":"v"}`).Code)
	srv.Close()

	rec := do(t, h, http.MethodPost, "/api/generate", `{"text":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "service not reachable")
}

func TestGenerateMalformed(t *testing.T) {
	inf := &inferenceServer{response: "0.1,abc\n1,1\nhi"}
	srv := httptest.NewServer(inf)
	defer srv.Close()
	h := newTestAPI(t, srv.URL)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/voice", `{"id":"v"}`).Code)
	rec := do(t, h, http.MethodPost, "/api/generate", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHistoryLists(t *testing.T) {
	inf := &inferenceServer{response: "0.1,0.2\n1,2\nhi"}
	srv := httptest.NewServer(inf)
	defer srv.Close()

	store, err := history.Open(context.Background(), config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "session",
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	temp, err := audiofile.NewTempStore(t.TempDir(), "temp-", newLogger())
	require.NoError(t, err)
	ctrl, err := session.New(session.Options{}, session.Deps{
		Synth:   synth.NewClient(srv.URL, 2*time.Second),
		Journal: store,
		Temp:    temp,
		Logger:  newLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	mux := http.NewServeMux()
	newAPI(ctrl, store, newLogger()).register(mux)

	require.NoError(t, ctrl.LoadVoice(context.Background(), session.Voice{ID: "v1", Model: "models/v1"}))
	gen, err := ctrl.Generate(context.Background(), "hi")
	require.NoError(t, err)
	require.NoError(t, ctrl.SetPitch(0, 0.5))
	_, err = ctrl.Generate(context.Background(), "hi")
	require.NoError(t, err)

	rec := do(t, mux, http.MethodGet, "/api/history/"+gen.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var gens []history.Generation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gens))
	require.Len(t, gens, 2)
	assert.True(t, gens[0].Fresh)
	assert.False(t, gens[1].Fresh)
	assert.Equal(t, []float64{0.5, 0.2}, gens[1].RequestPitch)

	rec = do(t, mux, http.MethodGet, "/api/history/"+gen.SessionID+"?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gens))
	assert.Len(t, gens, 1)

	rec = do(t, mux, http.MethodGet, "/api/history/unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/api/history/x?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadiness(t *testing.T) {
	l, err := launcher.New(config.SynthConfig{MarkerDir: t.TempDir(), StartupPollMS: 5}, newLogger(), nil)
	require.NoError(t, err)
	r := &Runtime{launcher: l}

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "idle")

	ctx := t.Context()
	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.WaitReady(ctx))
	r.ready.Store(true)

	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())
}
