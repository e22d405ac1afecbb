package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/metrics"
	"github.com/square-key-labs/strawgo-callagent/src/worker"
)

const (
	testKey    = "APIkey"
	testSecret = "a-secret-that-is-long-enough-for-hs256"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []job.Job
	err       error
	store     *worker.MemoryStore
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{store: worker.NewMemoryStore()}
}

func (f *fakeJobs) Submit(ctx context.Context, j job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, j)
	return f.store.Put(ctx, job.NewStatus(j))
}

func (f *fakeJobs) Status(ctx context.Context, id string) (job.Status, error) {
	return f.store.Get(ctx, id)
}

func (f *fakeJobs) jobs() []job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Job(nil), f.submitted...)
}

type fakeLocator struct {
	rooms []string
}

func (l *fakeLocator) URL(ctx context.Context, room string) (string, error) {
	l.rooms = append(l.rooms, room)
	return "https://livekit-calls.s3.amazonaws.com/" + room + ".ogg?X-Amz-Signature=abc", nil
}

func newTestServer(jobs *fakeJobs, validate bool) (*Server, *fakeLocator) {
	locator := &fakeLocator{}
	return New(Config{
		Jobs:              jobs,
		Recordings:        locator,
		Gatherer:          prometheus.NewRegistry(),
		APIKey:            testKey,
		APISecret:         testSecret,
		WebhookValidation: validate,
	}), locator
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDispatch(t *testing.T) {
	jobs := newFakeJobs()
	srv, _ := newTestServer(jobs, true)

	rec := do(t, srv, http.MethodPost, "/v1/dispatch", `{"room":"call-42","metadata":"{\"phone_number\":\"+1555\"}"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, jobs.jobs(), 1)
	assert.Equal(t, jobs.jobs()[0].ID, resp.JobID)
	assert.Equal(t, "call-42", jobs.jobs()[0].RoomName)
	assert.Equal(t, `{"phone_number":"+1555"}`, jobs.jobs()[0].Metadata)
}

func TestDispatchValidation(t *testing.T) {
	srv, _ := newTestServer(newFakeJobs(), true)

	for name, body := range map[string]string{
		"no room":    `{"metadata":""}`,
		"blank room": `{"room":"  "}`,
		"not json":   `room=x`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/v1/dispatch", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDispatchRejected(t *testing.T) {
	jobs := newFakeJobs()
	srv, _ := newTestServer(jobs, true)

	jobs.err = worker.ErrQueueFull
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/v1/dispatch", `{"room":"r"}`).Code)

	jobs.err = worker.ErrPoolClosed
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/v1/dispatch", `{"room":"r"}`).Code)

	jobs.err = worker.ErrRoomBusy
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/v1/dispatch", `{"room":"r"}`).Code)

	jobs.err = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, do(t, srv, http.MethodPost, "/v1/dispatch", `{"room":"r"}`).Code)
}

func TestJobStatus(t *testing.T) {
	jobs := newFakeJobs()
	srv, _ := newTestServer(jobs, true)

	j := job.New("call-1", "")
	status := job.NewStatus(j)
	status.Outcome = job.Completed
	status.States = []string{"connecting", "connected"}
	require.NoError(t, jobs.store.Put(context.Background(), status))

	rec := do(t, srv, http.MethodGet, "/v1/jobs/"+j.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "completed", got["outcome"])
	assert.Equal(t, "call-1", got["room"])

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/jobs/job_missing", "").Code)
}

func TestRecordingURL(t *testing.T) {
	jobs := newFakeJobs()
	srv, locator := newTestServer(jobs, true)

	recorded := job.NewStatus(job.New("call-7", ""))
	recorded.EgressID = "EG_abc"
	require.NoError(t, jobs.store.Put(context.Background(), recorded))

	unrecorded := job.NewStatus(job.New("call-8", ""))
	require.NoError(t, jobs.store.Put(context.Background(), unrecorded))

	rec := do(t, srv, http.MethodGet, "/v1/jobs/"+recorded.JobID+"/recording", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp recordingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.URL, "call-7.ogg")
	assert.Equal(t, []string{"call-7"}, locator.rooms)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodGet, "/v1/jobs/"+unrecorded.JobID+"/recording", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/jobs/job_missing/recording", "").Code)
}

func TestRecordingURLWithoutLocator(t *testing.T) {
	jobs := newFakeJobs()
	srv := New(Config{Jobs: jobs, Gatherer: prometheus.NewRegistry()})

	status := job.NewStatus(job.New("call", ""))
	status.EgressID = "EG_1"
	require.NoError(t, jobs.store.Put(context.Background(), status))
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/jobs/"+status.JobID+"/recording", "").Code)
}

func webhookRequest(t *testing.T, event *livekit.WebhookEvent, secret string) *http.Request {
	t.Helper()
	body, err := protojson.Marshal(event)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	token, err := auth.NewAccessToken(testKey, secret).
		SetValidFor(time.Minute).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/livekit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/webhook+json")
	req.Header.Set("Authorization", token)
	return req
}

func roomStarted(name, metadata string) *livekit.WebhookEvent {
	return &livekit.WebhookEvent{
		Event: EventRoomStarted,
		Room:  &livekit.Room{Name: name, Metadata: metadata},
	}
}

func TestWebhookRoomStartedDispatchesJob(t *testing.T) {
	jobs := newFakeJobs()
	srv, _ := newTestServer(jobs, true)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, webhookRequest(t, roomStarted("sip-inbound-1", `{"caller":"bob"}`), testSecret))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, jobs.jobs(), 1)
	assert.Equal(t, "sip-inbound-1", jobs.jobs()[0].RoomName)
	assert.Equal(t, `{"caller":"bob"}`, jobs.jobs()[0].Metadata)
}

func TestWebhookSkipsRoomWithActiveJob(t *testing.T) {
	pool := worker.NewPool(nil, worker.Config{QueueSize: 4})
	defer pool.Shutdown(context.Background())
	srv := New(Config{Jobs: pool, Gatherer: prometheus.NewRegistry(), APIKey: testKey, APISecret: testSecret, WebhookValidation: true})

	rec := do(t, srv, http.MethodPost, "/v1/dispatch", `{"room":"outbound-7","metadata":"{\"phone_number\":\"+1555\"}"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var dispatched dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dispatched))

	// the agent joining creates the room, which LiveKit reports back
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, webhookRequest(t, roomStarted("outbound-7", ""), testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	status, err := pool.Status(context.Background(), dispatched.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.Running, status.Outcome)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, webhookRequest(t, roomStarted("sip-inbound-2", ""), testSecret))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	jobs := newFakeJobs()
	srv, _ := newTestServer(jobs, true)

	event := &livekit.WebhookEvent{Event: "participant_joined", Room: &livekit.Room{Name: "r"}}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, webhookRequest(t, event, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, jobs.jobs())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	jobs := newFakeJobs()
	srv, _ := newTestServer(jobs, true)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, webhookRequest(t, roomStarted("r", ""), "some-other-secret-that-is-long-enough"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unsigned := httptest.NewRequest(http.MethodPost, "/webhooks/livekit", strings.NewReader(`{"event":"room_started"}`))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, unsigned)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, jobs.jobs())
}

func TestWebhookWithoutValidation(t *testing.T) {
	jobs := newFakeJobs()
	srv, _ := newTestServer(jobs, false)

	rec := do(t, srv, http.MethodPost, "/webhooks/livekit", `{"event":"room_started","room":{"name":"dev-room","metadata":""},"unknownField":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, jobs.jobs(), 1)
	assert.Equal(t, "dev-room", jobs.jobs()[0].RoomName)

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodPost, "/webhooks/livekit", "not json").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewJobMetrics(reg)
	m.JobStarted()
	srv := New(Config{Jobs: newFakeJobs(), Gatherer: reg})

	rec := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "callagent_jobs_active 1")
}
