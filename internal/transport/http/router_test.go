package httptransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/health"
	"mailmask/backend/internal/storage/memory"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID: "dom-1", Name: "mailmask.example", IsActive: true, IsPublic: true, IsDefault: true,
	}))
	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID: "dom-2", Name: "paused.example",
	}))

	aliasID := "alias-1"
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:         aliasID,
		Label:      "shopping",
		Domain:     "mailmask.example",
		Address:    "shopping@mailmask.example",
		ReplyToken: "rab12cd34ef56",
	}))
	now := time.Now().UTC()
	require.NoError(t, store.SaveEmailLog(&domain.EmailLogEntry{
		ID: "log-1", AliasID: &aliasID, Status: domain.LogStatusForwarded, CreatedAt: now,
	}))
	require.NoError(t, store.SaveEmailLog(&domain.EmailLogEntry{
		ID: "log-2", AliasID: &aliasID, Status: domain.LogStatusBlocked, CreatedAt: now,
	}))

	return NewRouter(RouterDependencies{
		Store:     store,
		Health:    health.NewChecker(store),
		Logger:    zap.NewNop(),
		StartedAt: time.Now().Add(-2 * time.Minute),
	})
}

func TestOpsRouter(t *testing.T) {
	router := newTestRouter(t)

	get := func(t *testing.T, path string) *httptest.ResponseRecorder {
		t.Helper()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("healthz", func(t *testing.T) {
		w := get(t, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readyz", func(t *testing.T) {
		w := get(t, "/readyz")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		w := get(t, "/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "mailmask_panics_total")
		assert.Contains(t, w.Body.String(), "mailmask_http_requests_total")
	})

	t.Run("stats", func(t *testing.T) {
		w := get(t, "/api/stats")
		require.Equal(t, http.StatusOK, w.Code)

		var stats StatsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
		assert.Equal(t, int64(1), stats.Aliases)
		assert.Equal(t, int64(2), stats.Domains)
		assert.Equal(t, int64(1), stats.ActiveDomains)
		assert.Equal(t, int64(1), stats.Emails.Forwarded)
		assert.Equal(t, int64(1), stats.Emails.Blocked)
		assert.Equal(t, int64(0), stats.Emails.Failed)
		assert.GreaterOrEqual(t, stats.UptimeSeconds, int64(119))
	})

	t.Run("unknown path", func(t *testing.T) {
		w := get(t, "/api/nope")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
