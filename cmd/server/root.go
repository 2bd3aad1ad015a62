package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"annotation-sync/internal/platform/config"
)

// settings is the resolved server configuration. Flags default to the
// environment.
type settings struct {
	Port             string
	LogLevel         string
	LogFormat        string
	StoreDriver      string
	SQLitePath       string
	OutboundBuffer   int
	MaxRoomMembers   int
	StrictTrackMerge bool
	WriteTimeout     time.Duration
	AllowedOrigins   []string
}

func settingsFromEnv() settings {
	return settings{
		Port:             config.GetEnv("PORT", "8080"),
		LogLevel:         config.GetEnv("LOG_LEVEL", "info"),
		LogFormat:        config.GetEnv("LOG_FORMAT", "json"),
		StoreDriver:      config.GetEnv("STORE_DRIVER", "memory"),
		SQLitePath:       config.GetEnv("SQLITE_PATH", "annotations.db"),
		OutboundBuffer:   config.GetEnvInt("OUTBOUND_BUFFER", 64),
		MaxRoomMembers:   config.GetEnvInt("MAX_ROOM_MEMBERS", 0),
		StrictTrackMerge: config.GetEnvBool("STRICT_TRACK_MERGE", false),
		WriteTimeout:     config.GetEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		AllowedOrigins:   config.GetEnvList("ALLOWED_ORIGINS"),
	}
}

func (s settings) validate() error {
	switch s.StoreDriver {
	case driverMemory, driverSQLite:
	default:
		return fmt.Errorf("unknown store driver %q (want %s or %s)", s.StoreDriver, driverMemory, driverSQLite)
	}
	if s.StoreDriver == driverSQLite && strings.TrimSpace(s.SQLitePath) == "" {
		return fmt.Errorf("sqlite store needs a database path")
	}
	if s.OutboundBuffer <= 0 {
		return fmt.Errorf("outbound buffer must be positive, got %d", s.OutboundBuffer)
	}
	if s.MaxRoomMembers < 0 {
		return fmt.Errorf("max room members must not be negative, got %d", s.MaxRoomMembers)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	s := settingsFromEnv()

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Collaborative annotation sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), s)
		},
	}

	f := cmd.Flags()
	f.StringVar(&s.Port, "port", s.Port, "HTTP listen port (PORT)")
	f.StringVar(&s.LogLevel, "log-level", s.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	f.StringVar(&s.LogFormat, "log-format", s.LogFormat, "json or text (LOG_FORMAT)")
	f.StringVar(&s.StoreDriver, "store", s.StoreDriver, "memory or sqlite (STORE_DRIVER)")
	f.StringVar(&s.SQLitePath, "sqlite-path", s.SQLitePath, "SQLite database file (SQLITE_PATH)")
	f.IntVar(&s.OutboundBuffer, "outbound-buffer", s.OutboundBuffer, "events queued per connection before drops (OUTBOUND_BUFFER)")
	f.IntVar(&s.MaxRoomMembers, "max-room-members", s.MaxRoomMembers, "members per room, 0 for no limit (MAX_ROOM_MEMBERS)")
	f.BoolVar(&s.StrictTrackMerge, "strict-track-merge", s.StrictTrackMerge, "reconcile creates against live segments per label (STRICT_TRACK_MERGE)")
	f.DurationVar(&s.WriteTimeout, "write-timeout", s.WriteTimeout, "websocket frame write timeout (WRITE_TIMEOUT)")
	f.StringSliceVar(&s.AllowedOrigins, "allowed-origin", s.AllowedOrigins, "accepted websocket Origin, repeatable; empty accepts any (ALLOWED_ORIGINS)")

	return cmd
}
