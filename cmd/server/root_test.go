package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/platform/logger"
	"annotation-sync/internal/platform/metrics"
)

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("OUTBOUND_BUFFER", "8")
	t.Setenv("STRICT_TRACK_MERGE", "true")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")

	s := settingsFromEnv()
	assert.Equal(t, "9000", s.Port)
	assert.Equal(t, driverSQLite, s.StoreDriver)
	assert.Equal(t, 8, s.OutboundBuffer)
	assert.True(t, s.StrictTrackMerge)
	assert.Equal(t, 3*time.Second, s.WriteTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, s.AllowedOrigins)
	assert.NoError(t, s.validate())
}

func TestSettingsValidate(t *testing.T) {
	base := settings{StoreDriver: driverMemory, OutboundBuffer: 1}
	require.NoError(t, base.validate())

	tests := []struct {
		name   string
		modify func(*settings)
	}{
		{"unknown_driver", func(s *settings) { s.StoreDriver = "postgres" }},
		{"sqlite_without_path", func(s *settings) { s.StoreDriver = driverSQLite; s.SQLitePath = " " }},
		{"zero_buffer", func(s *settings) { s.OutboundBuffer = 0 }},
		{"negative_members", func(s *settings) { s.MaxRoomMembers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.modify(&s)
			assert.Error(t, s.validate())
		})
	}
}

func TestRootCommand_flags_override_env(t *testing.T) {
	t.Setenv("PORT", "9000")
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "7000", "--strict-track-merge", "--allowed-origin", "http://x.test"}))

	port, err := cmd.Flags().GetString("port")
	require.NoError(t, err)
	assert.Equal(t, "7000", port)
	strict, err := cmd.Flags().GetBool("strict-track-merge")
	require.NoError(t, err)
	assert.True(t, strict)
}

func TestNewHandler_serves_health(t *testing.T) {
	s := settings{StoreDriver: driverMemory, OutboundBuffer: 4, WriteTimeout: time.Second}
	handler, gw := newHandler(annotation.NewMemoryStore(), s, logger.Discard(), metrics.New())
	require.NotNil(t, gw)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "annotation_connections")
}

func TestOpenStore_sqlite(t *testing.T) {
	s := settings{StoreDriver: driverSQLite, SQLitePath: t.TempDir() + "/annotations.db"}
	store, err := openStore(t.Context(), s)
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}
