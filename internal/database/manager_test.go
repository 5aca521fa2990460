package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/sharelog"
)

func TestDispositionKind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"accept", "accept"},
		{"reject:low-diff", "reject"},
		{"reject", "reject"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := dispositionKind(tt.in); got != tt.want {
			t.Errorf("dispositionKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewManager_UnknownDriver(t *testing.T) {
	if _, err := NewManager(&Config{Driver: "mysql"}, nil); err == nil {
		t.Error("Expected error for unknown driver")
	}
	if _, err := NewManager(&Config{Driver: DriverPostgres}, nil); err == nil {
		t.Error("Expected error for missing postgres configuration")
	}
}

func TestManager_RecordShareSQLite(t *testing.T) {
	m, err := NewManager(&Config{
		Driver:     DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "shares.db"),
	}, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	for _, d := range []string{"accept", "accept", "reject:duplicate"} {
		rec := &sharelog.Record{Time: now, Disposition: d, PoolURL: "http://pool", Device: "cpu0"}
		if err := m.RecordShare(ctx, rec); err != nil {
			t.Fatalf("RecordShare() error = %v", err)
		}
	}

	counts, err := m.Summary(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("Expected 2 groups, got %+v", counts)
	}
	if counts[0].Disposition != "accept" || counts[0].Count != 2 {
		t.Errorf("Expected 2 accepted, got %+v", counts[0])
	}
	if err := m.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestManager_Postgres(t *testing.T) {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skip("Skipping integration test - set POSTGRES_HOST to run")
	}

	m, err := NewManager(&Config{
		Driver: DriverPostgres,
		Postgres: &postgres.Config{
			Host:         host,
			Port:         5432,
			Database:     "gominer_test",
			User:         "postgres",
			Password:     os.Getenv("POSTGRES_PASSWORD"),
			SSLMode:      "disable",
			MaxOpenConns: 2,
			MaxIdleConns: 1,
			MaxLifetime:  time.Minute,
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	rec := &sharelog.Record{Time: time.Now(), Disposition: "accept", PoolURL: "http://integration", Device: "cpu0"}
	if err := m.RecordShare(ctx, rec); err != nil {
		t.Fatalf("RecordShare() error = %v", err)
	}
	recent, err := m.Store.RecentShares(ctx, 1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("Expected one recent share, got %d (%v)", len(recent), err)
	}
}
