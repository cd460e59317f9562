package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjy-dv/vforge/admission"
	"github.com/sjy-dv/vforge/core"
	"github.com/sjy-dv/vforge/jobstore"
	"github.com/sjy-dv/vforge/resource"
)

const gb = 1024 * 1024 * 1024

type noopSubmitter struct{}

func (noopSubmitter) Submit(ctx context.Context, job core.Job) error { return nil }

type testGateway struct {
	gw    *Gateway
	store *jobstore.MemoryStore
}

func newTestGateway(t *testing.T, gpuLimit, cpuLimit uint64, opts Options) *testGateway {
	t.Helper()
	store := jobstore.NewMemoryStore(jobstore.Options{TTL: time.Minute})
	t.Cleanup(func() { store.Close() })
	controller := admission.NewController(store, resource.NewAccountant(gpuLimit, cpuLimit), noopSubmitter{}, nil, gpuLimit > 0)
	return &testGateway{gw: New(controller, store, opts), store: store}
}

func (tg *testGateway) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func buildPayload() map[string]any {
	return map[string]any{
		"repository_type": "s3",
		"container_name":  "vectors",
		"vector_path":     "tenant-a/corpus.knnvec",
		"doc_id_path":     "tenant-a/corpus.docids",
		"tenant_id":       "tenant-a",
		"dimension":       128,
		"doc_count":       1000,
	}
}

func TestBuildReturnsJobID(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	rec := tg.do(t, http.MethodPost, "/_build", buildPayload())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)

	job, err := tg.store.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, job.Status)
}

func TestBuildRejectsMalformedBody(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	req := httptest.NewRequest(http.MethodPost, "/_build", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildRejectsInvalidRequest(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	payload := buildPayload()
	payload["vector_path"] = "tenant-a/corpus.bin"
	rec := tg.do(t, http.MethodPost, "/_build", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "vector_path")
}

func TestBuildReportsInsufficientCapacity(t *testing.T) {
	tg := newTestGateway(t, 1, 1, Options{})

	rec := tg.do(t, http.MethodPost, "/_build", buildPayload())
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
}

func TestBuildConflictOnDivergentDuplicate(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	rec := tg.do(t, http.MethodPost, "/_build", buildPayload())
	require.Equal(t, http.StatusOK, rec.Code)

	payload := buildPayload()
	payload["doc_count"] = 2000
	rec = tg.do(t, http.MethodPost, "/_build", payload)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBuildIdempotentResubmission(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	first := tg.do(t, http.MethodPost, "/_build", buildPayload())
	require.Equal(t, http.StatusOK, first.Code)
	second := tg.do(t, http.MethodPost, "/_build", buildPayload())
	require.Equal(t, http.StatusOK, second.Code)

	var a, b createJobResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.JobID, b.JobID)
}

func TestStatusUnknownJob(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	rec := tg.do(t, http.MethodGet, "/_status/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusRunningJob(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	rec := tg.do(t, http.MethodPost, "/_build", buildPayload())
	require.Equal(t, http.StatusOK, rec.Code)
	var created createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = tg.do(t, http.MethodGet, "/_status/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, string(core.JobRunning), status["task_status"])
	// not yet populated, serialized as explicit nulls
	assert.Nil(t, status["index_path"])
	assert.Nil(t, status["error_message"])
}

func TestStatusTerminalJobs(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	rec := tg.do(t, http.MethodPost, "/_build", buildPayload())
	require.Equal(t, http.StatusOK, rec.Code)
	var created createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	require.NoError(t, tg.store.SetTerminal(created.JobID, core.JobCompleted, "tenant-a/corpus.faiss", ""))

	rec = tg.do(t, http.MethodGet, "/_status/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, string(core.JobCompleted), status["task_status"])
	assert.Equal(t, "tenant-a/corpus.faiss", status["index_path"])
	assert.Nil(t, status["error_message"])

	// failed jobs expose the message the same way
	failPayload := buildPayload()
	failPayload["vector_path"] = "tenant-b/other.knnvec"
	failPayload["tenant_id"] = "tenant-b"
	rec = tg.do(t, http.MethodPost, "/_build", failPayload)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NoError(t, tg.store.SetTerminal(created.JobID, core.JobFailed, "", "download timed out"))

	rec = tg.do(t, http.MethodGet, "/_status/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, string(core.JobFailed), status["task_status"])
	assert.Nil(t, status["index_path"])
	assert.Equal(t, "download timed out", status["error_message"])
}

func TestJobsListing(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	var ids []string
	for i := 0; i < 3; i++ {
		payload := buildPayload()
		payload["vector_path"] = fmt.Sprintf("tenant-a/corpus-%d.knnvec", i)
		rec := tg.do(t, http.MethodPost, "/_build", payload)
		require.Equal(t, http.StatusOK, rec.Code)
		var created createJobResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		ids = append(ids, created.JobID)
	}

	rec := tg.do(t, http.MethodGet, "/_jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing, 3)
	for _, id := range ids {
		assert.Contains(t, listing, id)
	}
}

func TestHeartBeat(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{})

	rec := tg.do(t, http.MethodGet, "/_heart_beat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"alive":true}`, rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	tg := newTestGateway(t, 10*gb, 10*gb, Options{BasicAuthUser: "builder", BasicAuthPass: "s3cret"})

	// no credentials
	rec := tg.do(t, http.MethodGet, "/_heart_beat", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	// wrong credentials
	req := httptest.NewRequest(http.MethodGet, "/_heart_beat", nil)
	req.SetBasicAuth("builder", "wrong")
	rec = httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// correct credentials
	req = httptest.NewRequest(http.MethodGet, "/_heart_beat", nil)
	req.SetBasicAuth("builder", "s3cret")
	rec = httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
