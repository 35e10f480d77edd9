package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/internal/monitoring"
)

func newTestAPI(t *testing.T) (*pipelineEnv, http.Handler) {
	t.Helper()
	c := testConfig()
	env, err := initPipeline(context.Background(), c, true)
	require.NoError(t, err)
	t.Cleanup(env.Close)

	a := &api{
		svc:         env.Service,
		regions:     c.Regions,
		knownRegion: c.KnownRegion,
		maxUpload:   int64(c.Server.MaxUploadMB) << 20,
		maxEntities: 3,
		collector:   monitoring.NewCollector(env.Store, env.Breakers, 15*time.Minute),
		lookback:    24,
	}
	return env, newRouter(a, c.Server.AllowedOrigins)
}

func uploadRequest(t *testing.T, path string, fields map[string]string, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

const companiesCSV = "Company Name,Website\nAcme,acme.com\nGlobex,globex.com\n"

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestAPI(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCountriesEndpoint(t *testing.T) {
	_, h := newTestAPI(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/countries", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var countries []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &countries), "body is a bare JSON array")
	assert.Contains(t, countries, "Singapore")
	assert.Len(t, countries, 12)
}

func TestProcess_Annotated(t *testing.T) {
	_, h := newTestAPI(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, uploadRequest(t, "/api/process", map[string]string{"country": "Japan"}, "companies.csv", companiesCSV))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "updated_companies.csv")
	assert.NotEmpty(t, w.Header().Get("X-Batch-ID"))

	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"Company Name", "Website", "Number of Employees"}, records[0])
	assert.Equal(t, "Acme", records[1][0])
	assert.NotEmpty(t, records[1][2])
	assert.Equal(t, "Globex", records[2][0])
}

func TestProcess_CSVFormat(t *testing.T) {
	_, h := newTestAPI(t)

	req := uploadRequest(t, "/api/process?format=csv", map[string]string{"country": "India"}, "companies.csv", companiesCSV)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "entity", records[0][0])
}

func TestProcess_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		content  string
		wantMsg  string
	}{
		{"missing country", nil, "c.csv", companiesCSV, "country is required"},
		{"unknown country", map[string]string{"country": "Atlantis"}, "c.csv", companiesCSV, "unknown country"},
		{"missing file", map[string]string{"country": "Japan"}, "", "", "file is required"},
		{"no entity column", map[string]string{"country": "Japan"}, "c.csv", "Website\nacme.com\n", "no company column"},
		{"empty file", map[string]string{"country": "Japan"}, "c.csv", "", "empty"},
		{"wrong extension", map[string]string{"country": "Japan"}, "c.pdf", companiesCSV, ".csv or .xlsx"},
		{"too many rows", map[string]string{"country": "Japan"}, "c.csv", "Company\nA\nB\nC\nD\n", "too many rows"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestAPI(t)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, uploadRequest(t, "/api/process", tt.fields, tt.filename, tt.content))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantMsg)
		})
	}
}

func TestBatches_SubmitStatusResults(t *testing.T) {
	_, h := newTestAPI(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, uploadRequest(t, "/api/batches", map[string]string{"country": "Vietnam"}, "companies.csv", companiesCSV))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var submitted struct {
		BatchID string `json:"batch_id"`
		Total   int    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.BatchID)
	assert.Equal(t, 2, submitted.Total)
	assert.Equal(t, "/api/batches/"+submitted.BatchID, w.Header().Get("Location"))

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+submitted.BatchID, nil))
		if w.Code != http.StatusOK {
			return false
		}
		var st struct {
			Status      model.BatchStatus `json:"status"`
			ProgressPct float64           `json:"progress_pct"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
			return false
		}
		return st.Status == model.BatchCompleted && st.ProgressPct == 100
	}, 5*time.Second, 10*time.Millisecond)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+submitted.BatchID+"/results?format=json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Results []model.EstimateResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, "Acme", body.Results[0].Entity)
	assert.Equal(t, "Globex", body.Results[1].Entity)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+submitted.BatchID+"/results", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "entity,"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+submitted.BatchID+"/results?format=annotated", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatches_UnknownID(t *testing.T) {
	_, h := newTestAPI(t)

	for _, path := range []string{"/api/batches/nope", "/api/batches/nope/results"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestBatches_ResultsNotComplete(t *testing.T) {
	env, h := newTestAPI(t)

	require.NoError(t, env.Store.CreateBatch(context.Background(), model.BatchState{
		ID:        "pending",
		Region:    "Japan",
		Total:     4,
		Status:    model.BatchProcessing,
		StartedAt: time.Now(),
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/pending/results", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/pending", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PROCESSING"`)
}

func TestBatches_Cancel(t *testing.T) {
	env, h := newTestAPI(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/batches/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Recorded but not running in this process, so there is nothing to stop.
	require.NoError(t, env.Store.CreateBatch(context.Background(), model.BatchState{
		ID:        "orphan",
		Region:    "Japan",
		Total:     2,
		Status:    model.BatchProcessing,
		StartedAt: time.Now(),
	}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/batches/orphan", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not running")
}

func TestCORSPreflight(t *testing.T) {
	_, h := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/process", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPurge(t *testing.T) {
	env, _ := newTestAPI(t)

	_, _, err := env.Service.RunSync(context.Background(), "Japan", []string{"Acme"})
	require.NoError(t, err)

	// Nothing has expired yet.
	estimates, batches := purge(context.Background(), env)
	assert.Equal(t, 0, estimates)
	assert.Equal(t, 0, batches)
}

func TestMetricsEndpoint(t *testing.T) {
	env, h := newTestAPI(t)

	_, _, err := env.Service.RunSync(context.Background(), "Japan", []string{"Acme", "Globex"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.BatchesCompleted)
	assert.Equal(t, 2, snap.EntitiesProcessed)
	assert.Empty(t, snap.OpenCircuits)
}
