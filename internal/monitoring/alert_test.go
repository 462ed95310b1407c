package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailmask/backend/internal/storage/memory"
)

type captureReceiver struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureReceiver) SendAlert(alert *Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, *alert)
	return nil
}

func (c *captureReceiver) received() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func TestAlertManagerFireAndResolve(t *testing.T) {
	var (
		mu     sync.Mutex
		firing bool
	)
	setFiring := func(v bool) {
		mu.Lock()
		firing = v
		mu.Unlock()
	}

	received := &captureReceiver{}
	am := NewAlertManager(zap.NewNop())
	am.AddReceiver(received)
	am.AddRule(AlertRule{
		ID:   "test_rule",
		Name: "Test Rule",
		Condition: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return firing
		},
		Level:     AlertLevelWarning,
		Component: "test",
		Message:   "something is wrong",
	})

	t.Run("触发一次告警", func(t *testing.T) {
		setFiring(true)
		am.CheckRules()

		alerts := received.received()
		require.Len(t, alerts, 1)
		assert.Equal(t, "test_rule", alerts[0].ID)
		assert.Equal(t, AlertLevelWarning, alerts[0].Level)
		assert.False(t, alerts[0].Resolved)
		assert.Len(t, am.ActiveAlerts(), 1)
	})

	t.Run("持续异常不重复告警", func(t *testing.T) {
		am.CheckRules()
		am.CheckRules()

		assert.Len(t, received.received(), 1)
		assert.Len(t, am.ActiveAlerts(), 1)
	})

	t.Run("恢复后发送恢复通知", func(t *testing.T) {
		setFiring(false)
		am.CheckRules()

		alerts := received.received()
		require.Len(t, alerts, 2)
		assert.True(t, alerts[1].Resolved)
		require.NotNil(t, alerts[1].ResolvedAt)
		assert.Empty(t, am.ActiveAlerts())
	})

	t.Run("恢复后再次异常重新触发", func(t *testing.T) {
		setFiring(true)
		am.CheckRules()

		alerts := received.received()
		require.Len(t, alerts, 3)
		assert.False(t, alerts[2].Resolved)
	})
}

func TestAlertManagerCooldown(t *testing.T) {
	firing := true
	received := &captureReceiver{}
	am := NewAlertManager(zap.NewNop())
	am.AddReceiver(received)
	am.AddRule(AlertRule{
		ID:        "flapping_rule",
		Name:      "Flapping Rule",
		Condition: func() bool { return firing },
		Level:     AlertLevelCritical,
		Component: "test",
		Message:   "flapping",
		Cooldown:  time.Hour,
	})

	// 触发、恢复、立即再次异常：冷却时间内不再触发
	am.CheckRules()
	firing = false
	am.CheckRules()
	firing = true
	am.CheckRules()

	alerts := received.received()
	require.Len(t, alerts, 2)
	assert.False(t, alerts[0].Resolved)
	assert.True(t, alerts[1].Resolved)
	assert.Empty(t, am.ActiveAlerts())
}

func TestBuiltinRules(t *testing.T) {
	t.Run("健康存储不触发", func(t *testing.T) {
		store := memory.NewStore()
		defer store.Close()

		rule := DatabaseDownRule(store)
		assert.Equal(t, "storage_down", rule.ID)
		assert.Equal(t, AlertLevelCritical, rule.Level)
		assert.False(t, rule.Condition())
	})

	t.Run("熔断器状态透传", func(t *testing.T) {
		open := false
		rule := OutboundBreakerOpenRule(func() bool { return open })
		assert.False(t, rule.Condition())
		open = true
		assert.True(t, rule.Condition())
	})

	t.Run("内存阈值判断", func(t *testing.T) {
		ballast := make([]byte, 8<<20)
		assert.True(t, HighMemoryRule(4).Condition())
		runtime.KeepAlive(ballast)

		assert.False(t, HighMemoryRule(1<<20).Condition())
	})
}

func TestWebhookAlertReceiver(t *testing.T) {
	t.Run("推送JSON并接受2xx", func(t *testing.T) {
		var got Alert
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		receiver := NewWebhookAlertReceiver(server.URL)
		err := receiver.SendAlert(&Alert{
			ID:        "storage_down",
			Title:     "Storage Unreachable",
			Level:     AlertLevelCritical,
			Component: "storage",
			Timestamp: time.Now(),
		})

		require.NoError(t, err)
		assert.Equal(t, "storage_down", got.ID)
		assert.Equal(t, AlertLevelCritical, got.Level)
	})

	t.Run("非2xx视为失败", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		receiver := NewWebhookAlertReceiver(server.URL)
		err := receiver.SendAlert(&Alert{ID: "x"})

		assert.ErrorContains(t, err, "status 500")
	})
}
