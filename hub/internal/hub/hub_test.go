package hub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csi-portal/portal/hub/internal/config"
	"github.com/csi-portal/portal/hub/internal/notify"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           "127.0.0.1:0",
			AllowedOrigins: []string{"https://portal.example.org"},
			MaxBodyBytes:   1 << 20,
			Environment:    "production",
		},
		Auth: config.AuthConfig{
			Provider:  "builtin",
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: time.Hour},
		},
		Storage: config.StorageConfig{
			Driver:         "sqlite",
			DSN:            ":memory:",
			AuditRetention: config.Duration{Duration: 24 * time.Hour},
		},
		Payment: config.PaymentConfig{
			KeyID:           "rzp_test_key",
			KeySecret:       "gateway-key-secret-for-tests",
			PublicKeyID:     "rzp_test_key",
			BaseURL:         "http://127.0.0.1:1",
			Currency:        "INR",
			MaxAmount:       "100000",
			Timeout:         config.Duration{Duration: time.Second},
			BreakerFailures: 3,
			BreakerTimeout:  config.Duration{Duration: time.Second},
		},
		Membership: config.MembershipConfig{
			Timezone:       "Asia/Kolkata",
			SweepInterval:  config.Duration{Duration: -1},
			SweepBatchSize: 10,
			SweepWorkers:   1,
		},
		Notify: config.NotifyConfig{
			Driver:         "log",
			Workers:        1,
			QueueSize:      8,
			MaxRetries:     1,
			InitialBackoff: config.Duration{Duration: time.Millisecond},
			MaxBackoff:     config.Duration{Duration: time.Millisecond},
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWiresHandler(t *testing.T) {
	h, err := New(testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(h.close)

	for _, path := range []string{"/healthz", "/readyz", "/api/payments/config"} {
		w := httptest.NewRecorder()
		h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"), "runtime collectors registered")
}

func TestNewRejectsBadStorage(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "mongodb"
	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	h, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPurgeAuditEvents(t *testing.T) {
	h, err := New(testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(h.close)

	// Nothing to purge on a fresh store; must not fail.
	h.purgeAuditEvents(context.Background(), time.Now())
	events, err := h.store.ListAuditEvents(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunDeliversQueuedNotificationsOnShutdown(t *testing.T) {
	var logs bytes.Buffer
	h, err := New(testConfig(), slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)

	require.NoError(t, h.dispatcher.Enqueue(notify.Job{
		Kind:    notify.KindMembershipReceipt,
		UserID:  "user-q",
		Email:   "user-q@example.com",
		OrderID: "order_q",
	}))

	// Shut down immediately: the receipt queued before shutdown must still go out.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.Run(ctx), context.Canceled)

	out := logs.String()
	assert.Contains(t, out, "msg=notification")
	assert.Contains(t, out, "order_id=order_q")
	assert.NotContains(t, out, "dropping notification on shutdown")
}
