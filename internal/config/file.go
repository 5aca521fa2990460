package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// fileConfig mirrors Config for the TOML file. Pointers distinguish unset
// keys from zero values; durations are strings like "90s".
type fileConfig struct {
	Pools []PoolConfig `toml:"pool"`

	Strategy     *string `toml:"strategy"`
	RotatePeriod *string `toml:"rotate_period"`
	FailOnly     *bool   `toml:"fail_only"`

	Algorithm        *string `toml:"algorithm"`
	Queue            *int    `toml:"queue"`
	ScanTime         *string `toml:"scantime"`
	Expiry           *string `toml:"expiry"`
	ExpiryLP         *string `toml:"expiry_lp"`
	Retries          *int    `toml:"retries"`
	SubmitStale      *bool   `toml:"submit_stale"`
	DisablePool      *bool   `toml:"disable_pool"`
	Workers          *int    `toml:"workers"`
	MinSubmitThreads *int    `toml:"min_submit_threads"`
	Agent            *string `toml:"agent"`

	PayoutAddress *string `toml:"payout_address"`
	Network       *string `toml:"network"`

	ShareLogFile   *string `toml:"sharelog_file"`
	ShareLogKafka  *bool   `toml:"sharelog_kafka"`
	ShareLogFormat *string `toml:"sharelog_format"`

	KafkaBrokers []string `toml:"kafka_brokers"`

	RedisAddr    *string `toml:"redis_addr"`
	InfluxURL    *string `toml:"influx_url"`
	InfluxOrg    *string `toml:"influx_org"`
	InfluxBucket *string `toml:"influx_bucket"`

	ZMQBlockAddr   *string `toml:"zmq_block_addr"`
	DiscordChannel *string `toml:"discord_channel_id"`

	LogLevel    *string `toml:"log_level"`
	LogFormat   *string `toml:"log_format"`
	LogInterval *string `toml:"log_interval"`
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := fc.checkDurations(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) checkDurations() error {
	for name, v := range map[string]*string{
		"rotate_period": fc.RotatePeriod,
		"scantime":      fc.ScanTime,
		"expiry":        fc.Expiry,
		"expiry_lp":     fc.ExpiryLP,
		"log_interval":  fc.LogInterval,
	} {
		if v == nil {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// setDuration assumes checkDurations passed
func setDuration(dst *time.Duration, v *string) {
	if v != nil {
		*dst, _ = time.ParseDuration(*v)
	}
}

func (fc *fileConfig) apply(cfg *Config) {
	if len(fc.Pools) > 0 {
		cfg.Pools = fc.Pools
	}
	setString(&cfg.Strategy, fc.Strategy)
	setDuration(&cfg.RotatePeriod, fc.RotatePeriod)
	setBool(&cfg.FailOnly, fc.FailOnly)

	setString(&cfg.Algorithm, fc.Algorithm)
	setInt(&cfg.Queue, fc.Queue)
	setDuration(&cfg.ScanTime, fc.ScanTime)
	setDuration(&cfg.Expiry, fc.Expiry)
	setDuration(&cfg.ExpiryLP, fc.ExpiryLP)
	setInt(&cfg.Retries, fc.Retries)
	setBool(&cfg.SubmitStale, fc.SubmitStale)
	setBool(&cfg.DisablePool, fc.DisablePool)
	setInt(&cfg.Workers, fc.Workers)
	setInt(&cfg.MinSubmitThreads, fc.MinSubmitThreads)
	setString(&cfg.Agent, fc.Agent)

	setString(&cfg.PayoutAddress, fc.PayoutAddress)
	setString(&cfg.Network, fc.Network)

	setString(&cfg.ShareLogFile, fc.ShareLogFile)
	setBool(&cfg.ShareLogKafka, fc.ShareLogKafka)
	setString(&cfg.ShareLogFormat, fc.ShareLogFormat)

	if len(fc.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = fc.KafkaBrokers
	}

	setString(&cfg.RedisAddr, fc.RedisAddr)
	setString(&cfg.InfluxURL, fc.InfluxURL)
	setString(&cfg.InfluxOrg, fc.InfluxOrg)
	setString(&cfg.InfluxBucket, fc.InfluxBucket)

	setString(&cfg.ZMQBlockAddr, fc.ZMQBlockAddr)
	setString(&cfg.DiscordChannel, fc.DiscordChannel)

	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setDuration(&cfg.LogInterval, fc.LogInterval)
}
