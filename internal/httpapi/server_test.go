package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oncoserve/oncoserve/internal/serving"
)

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	registry, err := serving.NewStaticRegistry(serving.ModelDescriptor{
		Name:    "tumor-classifier",
		Version: "1",
		Type:    serving.TypeClassifier,
		Preprocess: serving.PreprocessConfig{
			FeatureOrder: []string{"radius", "texture"},
		},
		OutputLabels: []string{"benign", "malignant"},
	})
	if err != nil {
		t.Fatalf("NewStaticRegistry() error = %v", err)
	}
	loader := serving.NewStaticLoader()
	cache := serving.NewModelCache(4, loader.Unload)
	monitor := serving.NewPerformanceMonitor(100)
	pipeline, err := serving.NewPipeline(serving.NewStaticExecutor())
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	service, err := serving.NewPredictionService(serving.PredictionServiceConfig{
		Registry: registry,
		Loader:   loader,
		Cache:    cache,
		Pipeline: pipeline,
		Monitor:  monitor,
	})
	if err != nil {
		t.Fatalf("NewPredictionService() error = %v", err)
	}
	coordinator, err := serving.NewBatchCoordinator(serving.BatchCoordinatorConfig{
		Service: service,
	})
	if err != nil {
		t.Fatalf("NewBatchCoordinator() error = %v", err)
	}
	server, err := NewServer(ServerConfig{
		Service:     service,
		Coordinator: coordinator,
		Cache:       cache,
		Monitor:     monitor,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return server, server.Router()
}

func doJSON(
	t *testing.T,
	router *gin.Engine,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestPredictEndpoint(t *testing.T) {
	_, router := newTestServer(t)

	recorder := doJSON(t, router, http.MethodPost, "/v1/predict", serving.PredictionRequest{
		ModelKey: "tumor-classifier:1",
		Kind:     serving.KindTabular,
		Tabular:  map[string]float64{"radius": 14.2, "texture": 19.1},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}

	var result serving.PredictionResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != serving.ResultCompleted {
		t.Fatalf("result status = %q (%s)", result.Status, result.Error)
	}
	if result.RequestID == "" {
		t.Fatalf("request id was not generated")
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatalf("X-Request-ID header missing")
	}
}

func TestPredictEndpointUnknownModel(t *testing.T) {
	_, router := newTestServer(t)

	recorder := doJSON(t, router, http.MethodPost, "/v1/predict", serving.PredictionRequest{
		ModelKey: "missing:1",
		Kind:     serving.KindTabular,
		Tabular:  map[string]float64{"radius": 1},
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", recorder.Code)
	}
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	_, router := newTestServer(t)

	items := make([]serving.PredictionRequest, 0, 4)
	for i := 0; i < 4; i++ {
		items = append(items, serving.PredictionRequest{
			Kind:    serving.KindTabular,
			Tabular: map[string]float64{"radius": float64(10 + i), "texture": 20},
		})
	}
	recorder := doJSON(t, router, http.MethodPost, "/v1/batch", map[string]any{
		"model_key":  "tumor-classifier:1",
		"items":      items,
		"chunk_size": 2,
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	var job serving.BatchJob
	deadline := time.Now().Add(5 * time.Second)
	for {
		statusRec := doJSON(t, router, http.MethodGet, "/v1/jobs/"+submitted.JobID, nil)
		if statusRec.Code != http.StatusOK {
			t.Fatalf("status code = %d", statusRec.Code)
		}
		if err := json.Unmarshal(statusRec.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %+v", job)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if job.Status != serving.JobCompleted {
		t.Fatalf("job status = %q, want completed", job.Status)
	}

	resultsRec := doJSON(t, router, http.MethodGet, "/v1/jobs/"+submitted.JobID+"/results", nil)
	if resultsRec.Code != http.StatusOK {
		t.Fatalf("results status = %d", resultsRec.Code)
	}
	if !strings.Contains(resultsRec.Body.String(), "\"summary\"") {
		t.Fatalf("results response missing summary")
	}

	listRec := doJSON(t, router, http.MethodGet, "/v1/jobs", nil)
	if listRec.Code != http.StatusOK || !strings.Contains(listRec.Body.String(), submitted.JobID) {
		t.Fatalf("job list missing submitted job")
	}
}

func TestJobStatusNotFound(t *testing.T) {
	_, router := newTestServer(t)

	recorder := doJSON(t, router, http.MethodGet, "/v1/jobs/nope", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	_, router := newTestServer(t)

	recorder := doJSON(t, router, http.MethodPost, "/v1/jobs/nope/cancel", nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", recorder.Code)
	}
}

func TestStatsAndModelsEndpoints(t *testing.T) {
	_, router := newTestServer(t)

	doJSON(t, router, http.MethodPost, "/v1/predict", serving.PredictionRequest{
		ModelKey: "tumor-classifier:1",
		Kind:     serving.KindTabular,
		Tabular:  map[string]float64{"radius": 12, "texture": 18},
	})

	statsRec := doJSON(t, router, http.MethodGet, "/v1/stats?model_key=tumor-classifier:1", nil)
	if statsRec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", statsRec.Code)
	}
	var stats serving.MetricStats
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("stats count = %d, want 1", stats.Count)
	}

	modelsRec := doJSON(t, router, http.MethodGet, "/v1/models", nil)
	if modelsRec.Code != http.StatusOK ||
		!strings.Contains(modelsRec.Body.String(), "tumor-classifier:1") {
		t.Fatalf("models response = %s", modelsRec.Body.String())
	}

	metricsRec := doJSON(t, router, http.MethodGet, "/metrics", nil)
	if metricsRec.Code != http.StatusOK ||
		!strings.Contains(metricsRec.Body.String(), "oncoserve_predictions_total") {
		t.Fatalf("metrics response = %s", metricsRec.Body.String())
	}

	healthRec := doJSON(t, router, http.MethodGet, "/health", nil)
	if healthRec.Code != http.StatusOK {
		t.Fatalf("health status = %d", healthRec.Code)
	}
}
