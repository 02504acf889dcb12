package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"botfleet/internal/credential"
	"botfleet/internal/fleet"
	"botfleet/internal/models"
	"botfleet/internal/ratelimit"
	"botfleet/internal/storage"
	"botfleet/internal/worker"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockStorage only answers Ping; other calls panic through the nil embed.
type mockStorage struct {
	storage.Storage
	pingErr error
}

func (m *mockStorage) Ping(_ context.Context) error { return m.pingErr }

// MockFleetService implements FleetService for testing
type MockFleetService struct {
	mock.Mock
}

func (m *MockFleetService) Create(ctx context.Context, req models.CreateWorkerRequest) (*worker.Instance, error) {
	args := m.Called(ctx, req)
	inst, _ := args.Get(0).(*worker.Instance)
	return inst, args.Error(1)
}

func (m *MockFleetService) Start(ctx context.Context, id string) (fleet.StartResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(fleet.StartResult), args.Error(1)
}

func (m *MockFleetService) Stop(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockFleetService) ForceStop(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockFleetService) Running() []fleet.Summary {
	args := m.Called()
	running, _ := args.Get(0).([]fleet.Summary)
	return running
}

func (m *MockFleetService) Get(ctx context.Context, id string) (*models.WorkerRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*models.WorkerRecord)
	return rec, args.Error(1)
}

func (m *MockFleetService) List(ctx context.Context, owner string) ([]*models.WorkerRecord, error) {
	args := m.Called(ctx, owner)
	recs, _ := args.Get(0).([]*models.WorkerRecord)
	return recs, args.Error(1)
}

type stubPool struct {
	stats models.PoolStats
	views []models.CredentialView
}

func (p *stubPool) Stats() models.PoolStats       { return p.stats }
func (p *stubPool) List() []models.CredentialView { return p.views }

type stubLimiter struct {
	status map[string]ratelimit.Snapshot
}

func (l *stubLimiter) Info(id string) ratelimit.Snapshot {
	if s, ok := l.status[id]; ok {
		return s
	}
	return ratelimit.Snapshot{CredentialID: id, CurrentRate: 20, Tokens: 20}
}

func (l *stubLimiter) Status() map[string]ratelimit.Snapshot { return l.status }

func newTestHandlers(svc *MockFleetService, opts ...HandlersOption) *Handlers {
	pool := &stubPool{stats: models.PoolStats{Total: 2, Free: 1, Assigned: 1}}
	return NewHandlers(svc, pool, &stubLimiter{}, opts...)
}

func withVars(req *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(req, vars)
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	return resp
}

func TestNewHandlers(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)

	assert.NotNil(t, handlers)
	assert.Equal(t, svc, handlers.fleet)
	assert.Nil(t, handlers.storage)
	assert.Equal(t, "dev", handlers.version)
}

func TestNewHandlers_WithOptions(t *testing.T) {
	store := &mockStorage{}
	handlers := newTestHandlers(&MockFleetService{}, WithStorage(store), WithVersion("1.2.3"))

	assert.Equal(t, store, handlers.storage)
	assert.Equal(t, "1.2.3", handlers.version)
}

func TestHandlers_CreateWorker_Success(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)

	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	inst := worker.NewInstance("w-1", "bot-1", "alice", "echo", created)
	inst.Restore(worker.StateCreated, "")

	svc.On("Create", mock.Anything, models.CreateWorkerRequest{Owner: "alice", Name: "echo"}).Return(inst, nil)

	body := `{"owner":"alice","name":"echo"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workers", bytes.NewBufferString(body))
	recorder := httptest.NewRecorder()

	handlers.CreateWorker(recorder, req)

	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var resp models.WorkerResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, "w-1", resp.InstanceID)
	assert.Equal(t, "bot-1", resp.CredentialID)
	assert.Equal(t, models.WorkerStatusCreated, resp.Status)
	assert.Equal(t, created, resp.CreatedAt)

	svc.AssertExpectations(t)
}

func TestHandlers_CreateWorker_InvalidJSON(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workers", bytes.NewBufferString("not json"))
	recorder := httptest.NewRecorder()

	handlers.CreateWorker(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, models.ErrorCodeBadRequest, decodeError(t, recorder).Code)
	svc.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandlers_FleetErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
		details        map[string]string
	}{
		{
			name:           "invalid request",
			err:            fmt.Errorf("%w: owner is required", fleet.ErrInvalidRequest),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   models.ErrorCodeValidation,
		},
		{
			name:           "pool exhausted",
			err:            credential.ErrPoolExhausted,
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   models.ErrorCodePoolExhausted,
		},
		{
			name:           "worker fault",
			err:            &worker.FaultError{InstanceID: "w-1", CredentialID: "bot-1", Err: errors.New("token rejected")},
			expectedStatus: http.StatusBadGateway,
			expectedCode:   models.ErrorCodeWorkerFault,
			details:        map[string]string{"instance_id": "w-1", "credential_id": "bot-1"},
		},
		{
			name:           "unexpected error",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   models.ErrorCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockFleetService{}
			handlers := newTestHandlers(svc)
			svc.On("Create", mock.Anything, mock.Anything).Return(nil, tt.err)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/workers", bytes.NewBufferString(`{"owner":"a","name":"b"}`))
			recorder := httptest.NewRecorder()

			handlers.CreateWorker(recorder, req)

			assert.Equal(t, tt.expectedStatus, recorder.Code)
			resp := decodeError(t, recorder)
			assert.Equal(t, tt.expectedCode, resp.Code)
			for k, v := range tt.details {
				assert.Equal(t, v, resp.Details[k], "detail %s", k)
			}
		})
	}
}

func TestHandlers_ListWorkers(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)

	recs := []*models.WorkerRecord{
		{InstanceID: "w-1", CredentialID: "bot-1", Owner: "alice", Name: "a", Status: models.WorkerStatusRunning},
		{InstanceID: "w-2", CredentialID: "bot-2", Owner: "alice", Name: "b", Status: models.WorkerStatusStopped},
	}
	svc.On("List", mock.Anything, "alice").Return(recs, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers?owner=alice", nil)
	recorder := httptest.NewRecorder()

	handlers.ListWorkers(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)

	var resp models.ListWorkersResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalCount)
	require.Len(t, resp.Workers, 2)
	assert.Equal(t, "w-2", resp.Workers[1].InstanceID)
	assert.Equal(t, models.WorkerStatusStopped, resp.Workers[1].Status)

	svc.AssertExpectations(t)
}

func TestHandlers_ListWorkers_Empty(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)
	svc.On("List", mock.Anything, "").Return(nil, nil)

	recorder := httptest.NewRecorder()
	handlers.ListWorkers(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"workers":[],"total_count":0}`, recorder.Body.String())
}

func TestHandlers_GetWorker(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)

	svc.On("Get", mock.Anything, "w-1").Return(&models.WorkerRecord{
		InstanceID: "w-1", CredentialID: "bot-1", Status: models.WorkerStatusError, LastError: "setup failed",
	}, nil)
	svc.On("Get", mock.Anything, "missing").Return(nil, fmt.Errorf("get worker missing: %w", fleet.ErrNotFound))

	t.Run("found", func(t *testing.T) {
		req := withVars(httptest.NewRequest(http.MethodGet, "/api/v1/workers/w-1", nil), map[string]string{"id": "w-1"})
		recorder := httptest.NewRecorder()

		handlers.GetWorker(recorder, req)

		assert.Equal(t, http.StatusOK, recorder.Code)
		var resp models.WorkerResponse
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal(t, models.WorkerStatusError, resp.Status)
		assert.Equal(t, "setup failed", resp.LastError)
	})

	t.Run("not found", func(t *testing.T) {
		req := withVars(httptest.NewRequest(http.MethodGet, "/api/v1/workers/missing", nil), map[string]string{"id": "missing"})
		recorder := httptest.NewRecorder()

		handlers.GetWorker(recorder, req)

		assert.Equal(t, http.StatusNotFound, recorder.Code)
		assert.Equal(t, models.ErrorCodeNotFound, decodeError(t, recorder).Code)
	})
}

func TestHandlers_StartWorker(t *testing.T) {
	tests := []struct {
		name            string
		result          fleet.StartResult
		err             error
		expectedStatus  int
		expectedMessage string
		expectedCode    string
	}{
		{name: "started", expectedStatus: http.StatusOK, expectedMessage: "worker started"},
		{
			name:            "already running",
			result:          fleet.StartResult{AlreadyRunning: true},
			expectedStatus:  http.StatusOK,
			expectedMessage: "worker already running",
		},
		{
			name:           "unknown instance",
			err:            &worker.TransitionError{InstanceID: "w-1", Op: worker.OpStart, From: worker.StateNone},
			expectedStatus: http.StatusNotFound,
			expectedCode:   models.ErrorCodeNotFound,
		},
		{
			name:           "stopped instance",
			err:            &worker.TransitionError{InstanceID: "w-1", Op: worker.OpStart, From: worker.StateStopped},
			expectedStatus: http.StatusConflict,
			expectedCode:   models.ErrorCodeInvalidTransition,
		},
		{
			name:           "setup fault",
			err:            &worker.FaultError{InstanceID: "w-1", CredentialID: "bot-1", Err: errors.New("unauthorized")},
			expectedStatus: http.StatusBadGateway,
			expectedCode:   models.ErrorCodeWorkerFault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockFleetService{}
			handlers := newTestHandlers(svc)
			svc.On("Start", mock.Anything, "w-1").Return(tt.result, tt.err)

			req := withVars(httptest.NewRequest(http.MethodPost, "/api/v1/workers/w-1/start", nil), map[string]string{"id": "w-1"})
			recorder := httptest.NewRecorder()

			handlers.StartWorker(recorder, req)

			assert.Equal(t, tt.expectedStatus, recorder.Code)
			if tt.err != nil {
				assert.Equal(t, tt.expectedCode, decodeError(t, recorder).Code)
				return
			}
			var resp models.LifecycleResponse
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
			assert.Equal(t, "w-1", resp.InstanceID)
			assert.Equal(t, models.WorkerStatusRunning, resp.Status)
			assert.Equal(t, tt.expectedMessage, resp.Message)
		})
	}
}

func TestHandlers_StopWorker_InvalidTransitionDetails(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)
	svc.On("Stop", mock.Anything, "w-1").
		Return(&worker.TransitionError{InstanceID: "w-1", Op: worker.OpStop, From: worker.StateCreated})

	req := withVars(httptest.NewRequest(http.MethodPost, "/api/v1/workers/w-1/stop", nil), map[string]string{"id": "w-1"})
	recorder := httptest.NewRecorder()

	handlers.StopWorker(recorder, req)

	assert.Equal(t, http.StatusConflict, recorder.Code)
	resp := decodeError(t, recorder)
	assert.Equal(t, models.ErrorCodeInvalidTransition, resp.Code)
	assert.Equal(t, "created", resp.Details["state"])
	assert.Equal(t, "stop", resp.Details["operation"])
}

func TestHandlers_StopWorker_Unclean(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)
	svc.On("Stop", mock.Anything, "w-1").Return(&fleet.StopError{InstanceID: "w-1", Err: fleet.ErrStopTimeout})

	req := withVars(httptest.NewRequest(http.MethodPost, "/api/v1/workers/w-1/stop", nil), map[string]string{"id": "w-1"})
	recorder := httptest.NewRecorder()

	handlers.StopWorker(recorder, req)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, models.ErrorCodeStopIncomplete, decodeError(t, recorder).Code)
}

func TestHandlers_ForceStopWorker(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)
	svc.On("ForceStop", mock.Anything, "w-1").Return(nil)

	req := withVars(httptest.NewRequest(http.MethodPost, "/api/v1/workers/w-1/force-stop", nil), map[string]string{"id": "w-1"})
	recorder := httptest.NewRecorder()

	handlers.ForceStopWorker(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	var resp models.LifecycleResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, models.WorkerStatusStopped, resp.Status)
	svc.AssertExpectations(t)
	svc.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
}

func TestHandlers_ListRunning(t *testing.T) {
	svc := &MockFleetService{}
	handlers := newTestHandlers(svc)
	svc.On("Running").Return([]fleet.Summary{
		{InstanceID: "w-1", CredentialID: "bot-1", State: worker.StateRunning},
	})

	recorder := httptest.NewRecorder()
	handlers.ListRunning(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/running", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Running    []fleet.Summary `json:"running"`
		TotalCount int             `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalCount)
	assert.Equal(t, worker.StateRunning, resp.Running[0].State)
}

func TestHandlers_ListCredentials(t *testing.T) {
	pool := &stubPool{
		stats: models.PoolStats{Total: 2, Free: 1, Assigned: 1},
		views: []models.CredentialView{
			{ID: "bot-1", Hint: "123:***", Owner: "alice", Status: models.CredentialAssigned},
			{ID: "bot-2", Hint: "456:***", Status: models.CredentialFree},
		},
	}
	handlers := NewHandlers(&MockFleetService{}, pool, &stubLimiter{})

	recorder := httptest.NewRecorder()
	handlers.ListCredentials(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/credentials", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	var resp models.CredentialsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.Free)
	require.Len(t, resp.Credentials, 2)
	assert.Equal(t, "123:***", resp.Credentials[0].Hint)
	assert.NotContains(t, recorder.Body.String(), "secret")
}

func TestHandlers_RateLimit(t *testing.T) {
	limiter := &stubLimiter{status: map[string]ratelimit.Snapshot{
		"bot-1": {CredentialID: "bot-1", CurrentRate: 5, ConsecutiveFailures: 2, InBackoff: true},
	}}
	handlers := NewHandlers(&MockFleetService{}, &stubPool{}, limiter)

	t.Run("status", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		handlers.RateLimitStatus(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit", nil))

		assert.Equal(t, http.StatusOK, recorder.Code)
		var resp struct {
			Credentials map[string]ratelimit.Snapshot `json:"credentials"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal(t, 5.0, resp.Credentials["bot-1"].CurrentRate)
		assert.True(t, resp.Credentials["bot-1"].InBackoff)
	})

	t.Run("unknown credential gets a fresh view", func(t *testing.T) {
		req := withVars(httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/bot-9", nil), map[string]string{"credential_id": "bot-9"})
		recorder := httptest.NewRecorder()

		handlers.RateLimitInfo(recorder, req)

		assert.Equal(t, http.StatusOK, recorder.Code)
		var snap ratelimit.Snapshot
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snap))
		assert.Equal(t, "bot-9", snap.CredentialID)
		assert.Equal(t, 0, snap.ConsecutiveFailures)
	})
}

func TestHandlers_HealthCheck(t *testing.T) {
	svc := &MockFleetService{}
	svc.On("Running").Return([]fleet.Summary{{InstanceID: "w-1"}})
	handlers := newTestHandlers(svc, WithVersion("1.0.0"))

	recorder := httptest.NewRecorder()
	handlers.HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))

	assert.Equal(t, "healthy", response["status"])
	assert.NotEmpty(t, response["timestamp"])
	assert.Equal(t, "1.0.0", response["version"])

	metrics := response["metrics"].(map[string]interface{})
	assert.Equal(t, float64(1), metrics["running_workers"])
	assert.Equal(t, float64(2), metrics["credentials_total"])
}

func TestHandlers_HealthCheck_StorageDegraded(t *testing.T) {
	svc := &MockFleetService{}
	svc.On("Running").Return(nil)
	store := &mockStorage{pingErr: fmt.Errorf("connection refused")}
	handlers := newTestHandlers(svc, WithStorage(store))

	recorder := httptest.NewRecorder()
	handlers.HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "degraded", response["status"])

	components := response["components"].(map[string]interface{})
	storageComp := components["storage"].(map[string]interface{})
	assert.Equal(t, "unhealthy", storageComp["status"])
	assert.Contains(t, storageComp["message"], "connection refused")
}

func TestHandlers_HealthCheck_NoCredentials(t *testing.T) {
	svc := &MockFleetService{}
	svc.On("Running").Return(nil)
	handlers := NewHandlers(svc, &stubPool{}, &stubLimiter{})

	recorder := httptest.NewRecorder()
	handlers.HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	var response models.HealthCheckResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, models.StatusDegraded, response.Status)
	assert.Equal(t, models.StatusUnhealthy, response.Components["credentials"].Status)
}
