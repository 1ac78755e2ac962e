package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/localchat/internal/context"
	"github.com/stupiduntilnot/localchat/internal/dummy"
	"github.com/stupiduntilnot/localchat/internal/model"
	"github.com/stupiduntilnot/localchat/internal/observability"
	"github.com/stupiduntilnot/localchat/internal/session"
	"github.com/stupiduntilnot/localchat/internal/store"
)

func newTestServer(t *testing.T, script string) *httptest.Server {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat_history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gen, err := dummy.NewGenerator(script)
	require.NoError(t, err)

	metrics := observability.NewMetrics("test_httpapi")
	controller := session.New(st, ctxpkg.NewWindowBuilder(6), gen,
		session.WithLogger(zerolog.Nop()),
		session.WithMetrics(metrics),
		session.WithEvents(st),
	)
	srv := New(controller, metrics, zerolog.Nop(), 0.8)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, historyResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out historyResponse
	if res.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res, out
}

func TestTurnThenHistory(t *testing.T) {
	ts := newTestServer(t, "msg:¡Hola!")

	res, turn := doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{
		"utterance":   "Hola",
		"history":     []model.Message{},
		"temperature": 0.5,
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "Hola"},
		{Role: model.RoleAssistant, Content: "¡Hola!"},
	}, turn.History)

	res, hist := doJSON(t, http.MethodGet, ts.URL+"/v1/history?limit=10", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, turn.History, hist.History)
}

func TestTurn_BackendFailureIsStill200(t *testing.T) {
	ts := newTestServer(t, "status:500:model not loaded")

	res, turn := doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{"utterance": "Hola"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, turn.History, 2)
	assert.Equal(t, "Error en la API: 500 - model not loaded", turn.History[1].Content)
}

func TestTurn_BadRequests(t *testing.T) {
	ts := newTestServer(t, "ok")

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{"utterance": "  "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{
		"utterance": "hola",
		"history":   []map[string]string{{"role": "system", "content": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/turns", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHistory_HugeLimit(t *testing.T) {
	ts := newTestServer(t, "msg:¡Hola!")
	doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{"utterance": "Hola"})

	res, hist := doJSON(t, http.MethodGet, ts.URL+"/v1/history?limit=9223372036854775807", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, hist.History, 2)
}

func TestHistory_EmptyShowsPlaceholder(t *testing.T) {
	ts := newTestServer(t, "ok")
	res, hist := doJSON(t, http.MethodGet, ts.URL+"/v1/history", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []model.Message{{Role: model.RoleAssistant, Content: session.NoHistoryText}}, hist.History)
}

func TestClearAndReset(t *testing.T) {
	ts := newTestServer(t, "ok")
	doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{"utterance": "Hola"})

	res, cleared := doJSON(t, http.MethodDelete, ts.URL+"/v1/history", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []model.Message{{Role: model.RoleAssistant, Content: session.HistoryClearedMsg}}, cleared.History)

	res, reset := doJSON(t, http.MethodPost, ts.URL+"/v1/display/reset", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotNil(t, reset.History)
	assert.Empty(t, reset.History)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, "ok")
	doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{"utterance": "Hola"})

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(res.Body)
	assert.True(t, strings.Contains(buf.String(), `test_httpapi_turns_total{outcome="ok"} 1`), buf.String())
}

type tempRecorder struct {
	mu    sync.Mutex
	temps []float64
}

func (r *tempRecorder) HandleTurn(ctx context.Context, utterance string, history []model.Message, temperature float64) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.temps = append(r.temps, temperature)
	return history
}
func (r *tempRecorder) LoadDisplayHistory(context.Context, int) []model.Message { return nil }
func (r *tempRecorder) ClearAllHistory(context.Context) []model.Message         { return nil }
func (r *tempRecorder) ResetDisplay(context.Context) []model.Message            { return []model.Message{} }

func TestTurn_DefaultTemperature(t *testing.T) {
	rec := &tempRecorder{}
	ts := httptest.NewServer(New(rec, nil, zerolog.Nop(), 0.8).Router())
	defer ts.Close()

	doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{"utterance": "a"})
	doJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]any{"utterance": "b", "temperature": 0.2})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []float64{0.8, 0.2}, rec.temps)
}
