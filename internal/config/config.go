package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const InMemoryLedger = ":memory:"

type Config struct {
	DBSource     string `env:"DB_SOURCE"`
	Port         string `env:"SERVER_PORT" envDefault:"8080"`
	Env          string `env:"ENVIRONMENT" envDefault:"development"`
	LedgerDBPath string `env:"LEDGER_DB_PATH" envDefault:"data/ledger.db"`
	RPTKeyName   string `env:"RPT_KEY_NAME" envDefault:"rpt"`
	GateDefault  string `env:"GATE_DEFAULT_STATE" envDefault:"CLOSED"`

	Workers            int           `env:"SCHEDULER_WORKERS" envDefault:"4"`
	PollInterval       time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1s"`
	SettlementPolls    int           `env:"SETTLEMENT_POLL_ATTEMPTS" envDefault:"3"`
	SettlementInterval time.Duration `env:"SETTLEMENT_POLL_INTERVAL" envDefault:"200ms"`
	AdapterAttempts    int           `env:"ADAPTER_MAX_ATTEMPTS" envDefault:"1"`
	AdapterBackoff     time.Duration `env:"ADAPTER_RETRY_BACKOFF" envDefault:"250ms"`
	MaxRequeues        int           `env:"MAX_REQUEUES" envDefault:"3"`
	MaxAmount          int64         `env:"ADMISSION_MAX_AMOUNT" envDefault:"0"`
	BlockedBeneficiary []string      `env:"ADMISSION_BLOCKED_BENEFICIARIES" envSeparator:","`

	HealthPort int `env:"WORKER_HEALTH_PORT" envDefault:"8089"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.GateDefault = strings.ToUpper(strings.TrimSpace(cfg.GateDefault))
	if cfg.GateDefault != "OPEN" && cfg.GateDefault != "CLOSED" {
		return nil, fmt.Errorf("GATE_DEFAULT_STATE must be OPEN or CLOSED, got %q", cfg.GateDefault)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("SCHEDULER_WORKERS must be positive")
	}
	if cfg.AdapterAttempts <= 0 {
		return nil, fmt.Errorf("ADAPTER_MAX_ATTEMPTS must be positive")
	}
	// ":memory:" keeps receipts and keys in process.
	if cfg.LedgerDBPath == InMemoryLedger {
		cfg.LedgerDBPath = ""
	}
	if strings.TrimSpace(cfg.RPTKeyName) == "" {
		return nil, fmt.Errorf("RPT_KEY_NAME must not be empty")
	}

	return &cfg, nil
}
