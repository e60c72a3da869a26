package capacity

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

func serveCapacity(t *testing.T, store *fakeStore, role models.Role, method, path string, body interface{}) (*httptest.ResponseRecorder, Snapshot) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, uuid.New())
		c.Set(middleware.ContextUserRole, string(role))
	})
	NewHandler(NewGate(store, func() int { return 7 }, nil), nil).Register(g)

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env struct {
		response.Body
		Data Snapshot `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env.Data
}

func TestCapacityHandler(t *testing.T) {
	store := &fakeStore{row: models.SystemCapacity{MaxSessionsLimit: 2, MaxDBConnections: 10}, active: 2}

	w, _ := serveCapacity(t, store, models.RoleCoach, http.MethodGet, "/admin/capacity", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, snap := serveCapacity(t, store, models.RoleAdmin, http.MethodGet, "/admin/capacity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, snap.CanAdmit)

	w, snap = serveCapacity(t, store, models.RoleAdmin, http.MethodPost, "/admin/capacity/recompute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, snap.ActiveCount)
	assert.Equal(t, 7, snap.DBUsed)
	assert.False(t, snap.CanAdmit)

	w, snap = serveCapacity(t, store, models.RoleAdmin, http.MethodPut, "/admin/capacity", LimitsRequest{MaxSessions: 5, MaxDBConnections: 20})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, snap.MaxCount)
	assert.True(t, snap.CanAdmit)
}
