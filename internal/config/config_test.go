package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			t.Fatalf("failed to set environment variable %s: %v", key, err)
		}
	}
	t.Cleanup(func() {
		for key := range vars {
			if err := os.Unsetenv(key); err != nil {
				t.Logf("failed to unset environment variable %s: %v", key, err)
			}
		}
	})
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":  "test-miner",
				"POOLS":         "http://pool.example:8332|worker|x",
				"POOL_STRATEGY": "load-balance",
				"QUEUE":         "2",
				"SCANTIME":      "30",
				"EXPIRY":        "90s",
			},
			wantErr: false,
		},
		{
			name: "unknown strategy",
			envVars: map[string]string{
				"POOL_STRATEGY": "random",
			},
			wantErr: true,
		},
		{
			name: "unknown algorithm",
			envVars: map[string]string{
				"ALGORITHM": "x11",
			},
			wantErr: true,
		},
		{
			name: "queue out of range",
			envVars: map[string]string{
				"QUEUE": "10000",
			},
			wantErr: true,
		},
		{
			name: "no workers",
			envVars: map[string]string{
				"WORKERS": "0",
			},
			wantErr: true,
		},
		{
			name: "unknown share log format",
			envVars: map[string]string{
				"SHARELOG_FORMAT": "xml",
			},
			wantErr: true,
		},
		{
			name: "pool without url",
			envVars: map[string]string{
				"POOLS": "|worker|x",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.envVars)

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.Workers < 1 {
					t.Error("Workers should be positive")
				}
			}
		})
	}
}

func TestLoad_EnvValues(t *testing.T) {
	setEnv(t, map[string]string{
		"POOLS":         "http://a.example:8332|u1|p1, stratum+tcp://b.example:3333|u2|p2",
		"SCANTIME":      "30",
		"EXPIRY":        "90s",
		"FAIL_ONLY":     "true",
		"KAFKA_BROKERS": "k1:9092, k2:9092",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Pools) != 2 {
		t.Fatalf("Expected 2 pools, got %d", len(cfg.Pools))
	}
	if cfg.Pools[1].URL != "stratum+tcp://b.example:3333" || cfg.Pools[1].User != "u2" {
		t.Errorf("Unexpected second pool %+v", cfg.Pools[1])
	}
	if cfg.ScanTime != 30*time.Second {
		t.Errorf("Expected scantime 30s, got %v", cfg.ScanTime)
	}
	if cfg.Expiry != 90*time.Second {
		t.Errorf("Expected expiry 90s, got %v", cfg.Expiry)
	}
	if !cfg.FailOnly {
		t.Error("Expected failover-only set")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("Unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gominer.toml")
	content := `
strategy = "balance"
queue = 3
expiry = "2m"
submit_stale = true

[[pool]]
url = "http://primary.example:8332"
user = "worker"
pass = "x"
priority = 1

[[pool]]
url = "http://backup.example:8332"
user = "worker"
pass = "x"
priority = 0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	setEnv(t, map[string]string{
		"CONFIG_FILE": path,
		"QUEUE":       "5",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Strategy != "balance" {
		t.Errorf("Expected strategy balance, got %s", cfg.Strategy)
	}
	if cfg.Queue != 5 {
		t.Errorf("Expected environment to override queue, got %d", cfg.Queue)
	}
	if cfg.Expiry != 2*time.Minute {
		t.Errorf("Expected expiry 2m, got %v", cfg.Expiry)
	}
	if !cfg.SubmitStale {
		t.Error("Expected submit_stale from file")
	}
	if len(cfg.Pools) != 2 {
		t.Fatalf("Expected 2 pools, got %d", len(cfg.Pools))
	}
	prios := cfg.Priorities()
	if len(prios) != 2 || prios[0] != 1 || prios[1] != 0 {
		t.Errorf("Expected priorities [1 0], got %v", prios)
	}
}

func TestLoad_FileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gominer.toml")
	if err := os.WriteFile(path, []byte(`scantime = "soon"`), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	setEnv(t, map[string]string{"CONFIG_FILE": path})

	if _, err := Load(); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestParsePools(t *testing.T) {
	tests := []struct {
		in   string
		want []PoolConfig
	}{
		{"", nil},
		{"http://a:1", []PoolConfig{{URL: "http://a:1"}}},
		{"http://a:1|u", []PoolConfig{{URL: "http://a:1", User: "u"}}},
		{"http://a:1|u|p|q,,http://b:2|v|w", []PoolConfig{
			{URL: "http://a:1", User: "u", Pass: "p|q"},
			{URL: "http://b:2", User: "v", Pass: "w"},
		}},
	}
	for _, tt := range tests {
		got := ParsePools(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ParsePools(%q): expected %d pools, got %d", tt.in, len(tt.want), len(got))
			continue
		}
		for i := range got {
			if got[i].URL != tt.want[i].URL || got[i].User != tt.want[i].User || got[i].Pass != tt.want[i].Pass {
				t.Errorf("ParsePools(%q)[%d]: expected %+v, got %+v", tt.in, i, tt.want[i], got[i])
			}
		}
	}
}

func TestPriorities_Unset(t *testing.T) {
	cfg := defaults()
	cfg.Pools = ParsePools("http://a:1,http://b:2")
	if prios := cfg.Priorities(); prios != nil {
		t.Errorf("Expected nil priorities, got %v", prios)
	}
}

func TestValidateMiner(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "no pools",
			mutate:  func(c *Config) { c.Pools = nil },
			wantErr: true,
		},
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "kafka share log without brokers",
			mutate: func(c *Config) {
				c.ShareLogKafka = true
				c.KafkaBrokers = nil
			},
			wantErr: true,
		},
		{
			name:    "discord token without channel",
			mutate:  func(c *Config) { c.DiscordToken = "token" },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Pools = ParsePools("http://a:1|u|p")
			tt.mutate(cfg)
			if err := cfg.ValidateMiner(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateMiner() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
