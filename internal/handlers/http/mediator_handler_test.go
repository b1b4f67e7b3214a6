package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	"roomrelay/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockMediator struct {
	mock.Mock
}

func (m *mockMediator) ForwardRoom(ctx context.Context, roomID domain.RoomID) error {
	return m.Called(roomID).Error(0)
}

func (m *mockMediator) ForwardAll(ctx context.Context) ([]domain.RoomID, error) {
	args := m.Called()
	rooms, _ := args.Get(0).([]domain.RoomID)
	return rooms, args.Error(1)
}

func (m *mockMediator) Bindings() []ports.BindingInfo {
	return m.Called().Get(0).([]ports.BindingInfo)
}

func (m *mockMediator) Stats() ports.MediatorStats {
	return m.Called().Get(0).(ports.MediatorStats)
}

func newTestRouter(mediator ports.MediatorService, write gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	pass := func(c *gin.Context) { c.Next() }
	if write == nil {
		write = pass
	}
	NewMediatorHandler(mediator).SetupRoutes(router, pass, write)
	return router
}

func do(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestMediatorHandler_ForwardRoom(t *testing.T) {
	m := &mockMediator{}
	m.On("ForwardRoom", domain.RoomID("R1")).Return(nil).Once()

	w := do(newTestRouter(m, nil), http.MethodPost, "/api/v1/rooms/R1/forward")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"room_id":"R1","status":"queued"}`, w.Body.String())
	m.AssertExpectations(t)
}

func TestMediatorHandler_ForwardRoomErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"no bound tracks", fmt.Errorf("room R1: %w", domain.ErrNoBoundTracks), http.StatusConflict},
		{"no subscribers", fmt.Errorf("forward R1: %w", domain.ErrNoSubscribers), http.StatusConflict},
		{"shutting down", domain.ErrChannelClosed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockMediator{}
			m.On("ForwardRoom", domain.RoomID("R1")).Return(tt.err)

			w := do(newTestRouter(m, nil), http.MethodPost, "/api/v1/rooms/R1/forward")
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"room_id":"R1"`)
		})
	}
}

func TestMediatorHandler_ForwardRoomRejectsBadID(t *testing.T) {
	m := &mockMediator{}
	w := do(newTestRouter(m, nil), http.MethodPost, "/api/v1/rooms/bad%20room/forward")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	m.AssertNotCalled(t, "ForwardRoom", mock.Anything)
}

func TestMediatorHandler_ForwardAll(t *testing.T) {
	m := &mockMediator{}
	m.On("ForwardAll").Return([]domain.RoomID{"R1", "R2"}, nil).Once()

	w := do(newTestRouter(m, nil), http.MethodPost, "/api/v1/rooms/forward")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"rooms":["R1","R2"],"status":"queued"}`, w.Body.String())

	empty := &mockMediator{}
	empty.On("ForwardAll").Return(nil, nil)
	w = do(newTestRouter(empty, nil), http.MethodPost, "/api/v1/rooms/forward")
	assert.JSONEq(t, `{"rooms":[],"status":"queued"}`, w.Body.String())
}

func TestMediatorHandler_ListBindings(t *testing.T) {
	m := &mockMediator{}
	m.On("Bindings").Return([]ports.BindingInfo{
		{RoomID: "R1", SlotIndex: 0, TrackID: "audio", Kind: "audio"},
		{RoomID: "R1", SlotIndex: 0, TrackID: "video", Kind: "video"},
		{RoomID: "R2", SlotIndex: 1, TrackID: "video", Kind: "video"},
	})
	router := newTestRouter(m, nil)

	var body struct {
		Bindings []ports.BindingInfo `json:"bindings"`
		Count    int                 `json:"count"`
	}

	w := do(router, http.MethodGet, "/api/v1/bindings")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)

	w = do(router, http.MethodGet, "/api/v1/bindings?room_id=R2")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, domain.SlotIndex(1), body.Bindings[0].SlotIndex)
}

func TestMediatorHandler_Stats(t *testing.T) {
	m := &mockMediator{}
	m.On("Stats").Return(ports.MediatorStats{ID: "m1", Connected: true, Sessions: 1, Bindings: 2})

	w := do(newTestRouter(m, nil), http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mediator_id":"m1"`)
	assert.Contains(t, w.Body.String(), `"bindings":2`)
}

func TestMediatorHandler_WriteGuard(t *testing.T) {
	m := &mockMediator{}
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusForbidden) }

	w := do(newTestRouter(m, deny), http.MethodPost, "/api/v1/rooms/R1/forward")
	assert.Equal(t, http.StatusForbidden, w.Code)
	m.AssertNotCalled(t, "ForwardRoom", mock.Anything)
}
