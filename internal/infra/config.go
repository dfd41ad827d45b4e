package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"nft_market/internal/domain"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is where the CLI looks for its configuration
	DefaultConfigPath = "configs/config.yaml"

	defaultInboxSize = 256
	defaultLogDir    = "logs"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Ledger struct {
		// Administrator may change the listing fee and withdraw fees.
		Administrator string `yaml:"administrator" env:"MARKET_ADMIN"`
		// Escrow is the custodial account shown as owner of listed items.
		Escrow         string          `yaml:"escrow" env:"MARKET_ESCROW"`
		ListingFeeRate decimal.Decimal `yaml:"listing_fee_rate" env:"MARKET_LISTING_FEE"`
		InboxSize      int             `yaml:"inbox_size"`
	} `yaml:"ledger"`

	Payments struct {
		// Offline starts the paper gateway halted so every transfer fails.
		Offline bool `yaml:"offline" env:"MARKET_PAYMENTS_OFFLINE"`
	} `yaml:"payments"`

	Storage struct {
		Path string `yaml:"path" env:"MARKET_DB_PATH"` // empty = per-user config dir
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level" env:"MARKET_LOG_LEVEL"`
		Dir   string `yaml:"dir" env:"MARKET_LOG_DIR"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies env overrides and defaults,
// and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "nft-market"
	}
	if c.Ledger.InboxSize <= 0 {
		c.Ledger.InboxSize = defaultInboxSize
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = defaultLogDir
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Ledger.Administrator == "" {
		return &domain.ConfigError{Field: "ledger.administrator", Err: errors.New("administrator account is required")}
	}
	if c.Ledger.Escrow == "" {
		return &domain.ConfigError{Field: "ledger.escrow", Err: errors.New("escrow account is required")}
	}
	if c.Ledger.Escrow == c.Ledger.Administrator {
		return &domain.ConfigError{Field: "ledger.escrow", Err: errors.New("escrow must differ from administrator")}
	}
	if err := domain.ValidateFeeRate(c.Ledger.ListingFeeRate); err != nil {
		return &domain.ConfigError{Field: "ledger.listing_fee_rate", Err: err}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}

	return nil
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return &domain.ConfigError{Field: "env", Err: err}
	}
	return nil
}
