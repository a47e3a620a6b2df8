// Package config loads the process-wide tunables spec §6 names from
// environment variables, with an optional YAML file overlay for local
// development — following the teacher's convention of plain env vars
// read once at process start rather than a live-reloading framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every PROXY_* tunable spec §6 names. The first six fields
// map onto those env vars (BindHost also reads BIND_HOST); yaml tags let a
// file overlay set every field. AutotickIntervalMs, DatabaseDSN and
// DataDir have no env var and come only from the defaults or the file.
type Config struct {
	DeliveryHTTPTimeoutMs         int      `yaml:"deliveryHttpTimeoutMs"`
	WorkerConcurrencyDeliveries   int      `yaml:"workerConcurrencyDeliveries"`
	RetentionDeliveriesMaxDays    int      `yaml:"retentionDeliveriesMaxDays"`
	RetentionDeliveryDLQMaxDays   int      `yaml:"retentionDeliveryDlqMaxDays"`
	CORSAllowOrigins              []string `yaml:"corsAllowOrigins"`
	BindHost                      string   `yaml:"bindHost"`

	// AutotickIntervalMs is cfg.api.autotick.intervalMs, the interval the
	// tick scheduler (pkg/scheduler) runs its sweep pass at.
	AutotickIntervalMs int `yaml:"autotickIntervalMs"`

	// DatabaseDSN selects the relational backend: empty uses the
	// embedded bbolt mirror, non-empty opens a Postgres pool.
	DatabaseDSN string `yaml:"databaseDsn"`
	DataDir     string `yaml:"dataDir"`
}

// defaultConcurrencyCap mirrors spec §4.6's "concurrency = min(50,
// PROXY_WORKER_CONCURRENCY_DELIVERIES)".
const defaultConcurrencyCap = 50

// Default returns the zero-config defaults: no HTTP timeout, a single
// delivery worker, no retention cap, and a 5s autotick interval.
func Default() Config {
	return Config{
		DeliveryHTTPTimeoutMs:       0,
		WorkerConcurrencyDeliveries: 1,
		RetentionDeliveriesMaxDays:  0,
		RetentionDeliveryDLQMaxDays: 0,
		BindHost:                    "127.0.0.1",
		AutotickIntervalMs:          5000,
		DataDir:                    "./proxy-data",
	}
}

// Load builds a Config from Default(), then the YAML file at path (if
// path is non-empty and the file exists), then environment variables —
// env vars win, matching the teacher's "flags/env override file" layering.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.WorkerConcurrencyDeliveries > defaultConcurrencyCap {
		cfg.WorkerConcurrencyDeliveries = defaultConcurrencyCap
	}
	if cfg.WorkerConcurrencyDeliveries <= 0 {
		cfg.WorkerConcurrencyDeliveries = 1
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("PROXY_DELIVERY_HTTP_TIMEOUT_MS"); ok {
		n, err := parseNonNegativeInt("PROXY_DELIVERY_HTTP_TIMEOUT_MS", v)
		if err != nil {
			return err
		}
		cfg.DeliveryHTTPTimeoutMs = n
	}
	if v, ok := os.LookupEnv("PROXY_WORKER_CONCURRENCY_DELIVERIES"); ok {
		n, err := parseNonNegativeInt("PROXY_WORKER_CONCURRENCY_DELIVERIES", v)
		if err != nil {
			return err
		}
		cfg.WorkerConcurrencyDeliveries = n
	}
	if v, ok := os.LookupEnv("PROXY_RETENTION_DELIVERIES_MAX_DAYS"); ok {
		n, err := parseNonNegativeInt("PROXY_RETENTION_DELIVERIES_MAX_DAYS", v)
		if err != nil {
			return err
		}
		cfg.RetentionDeliveriesMaxDays = n
	}
	if v, ok := os.LookupEnv("PROXY_RETENTION_DELIVERY_DLQ_MAX_DAYS"); ok {
		n, err := parseNonNegativeInt("PROXY_RETENTION_DELIVERY_DLQ_MAX_DAYS", v)
		if err != nil {
			return err
		}
		cfg.RetentionDeliveryDLQMaxDays = n
	}
	if v, ok := os.LookupEnv("PROXY_CORS_ALLOW_ORIGINS"); ok {
		cfg.CORSAllowOrigins = splitCSV(v)
	}
	if v, ok := os.LookupEnv("PROXY_BIND_HOST"); ok {
		cfg.BindHost = v
	} else if v, ok := os.LookupEnv("BIND_HOST"); ok {
		cfg.BindHost = v
	}
	return nil
}

func parseNonNegativeInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DeliveryHTTPTimeout returns DeliveryHTTPTimeoutMs as a time.Duration,
// with 0 meaning no timeout (spec §4.6).
func (c Config) DeliveryHTTPTimeout() time.Duration {
	return time.Duration(c.DeliveryHTTPTimeoutMs) * time.Millisecond
}

// AutotickInterval returns AutotickIntervalMs as a time.Duration.
func (c Config) AutotickInterval() time.Duration {
	return time.Duration(c.AutotickIntervalMs) * time.Millisecond
}
