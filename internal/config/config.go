package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath путь к конфигу, если не передан флагом
const DefaultPath = "config.yaml"

type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"http"`
	Store struct {
		Driver string `yaml:"driver"` // memory | postgres
		DSN    string `yaml:"dsn"`
		// Migrate applies the embedded schema on start
		Migrate bool `yaml:"migrate"`
	} `yaml:"store"`
	Realtime struct {
		Mode     string `yaml:"mode"` // store | amqp
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
		// Relay publishes this instance's store changes to the exchange
		Relay bool `yaml:"relay"`
	} `yaml:"realtime"`
	Sync struct {
		ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
	} `yaml:"sync"`
	Checkout struct {
		VATPercent     decimal.Decimal `yaml:"vatPercent"`
		DeliveryCharge decimal.Decimal `yaml:"deliveryCharge"`
	} `yaml:"checkout"`
	Logging struct {
		Level      string `yaml:"level"`  // trace, debug, info, warn, error
		Format     string `yaml:"format"` // json | console
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"logging"`
}

func Default() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.HTTP.ShutdownTimeout = 5 * time.Second
	c.Store.Driver = "memory"
	c.Realtime.Mode = "store"
	c.Realtime.Exchange = "orders.changes"
	c.Sync.ConfirmTimeout = 10 * time.Second
	c.Checkout.VATPercent = decimal.NewFromInt(5)
	c.Checkout.DeliveryCharge = decimal.NewFromInt(60)
	c.Logging.Level = "info"
	c.Logging.Format = "console"
	c.Logging.MaxSizeMB = 32
	c.Logging.MaxBackups = 2
	c.Logging.MaxAgeDays = 28
	return c
}

// Load читает YAML поверх значений по умолчанию, затем применяет переменные окружения.
// Отсутствующий файл не ошибка.
func Load(path string) (Config, error) {
	conf := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return conf, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &conf); err != nil {
			return conf, fmt.Errorf("cant unmarshal config: %w", err)
		}
	}
	conf.applyEnv()
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("SUSHIYAKI_HTTP_ADDR", c.HTTP.Addr)
	c.Store.Driver = getEnv("SUSHIYAKI_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("SUSHIYAKI_PG_DSN", c.Store.DSN)
	c.Realtime.Mode = getEnv("SUSHIYAKI_REALTIME_MODE", c.Realtime.Mode)
	c.Realtime.URL = getEnv("SUSHIYAKI_AMQP_URL", c.Realtime.URL)
	c.Logging.Level = getEnv("SUSHIYAKI_LOG_LEVEL", c.Logging.Level)
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q: must be memory or postgres", c.Store.Driver)
	}
	switch c.Realtime.Mode {
	case "store":
	case "amqp":
		if c.Realtime.URL == "" {
			return errors.New("realtime.url is required in amqp mode")
		}
	default:
		return fmt.Errorf("unknown realtime.mode %q: must be store or amqp", c.Realtime.Mode)
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http.shutdownTimeout must be > 0")
	}
	if c.Sync.ConfirmTimeout <= 0 {
		return errors.New("sync.confirmTimeout must be > 0")
	}
	if c.Checkout.VATPercent.IsNegative() {
		return errors.New("checkout.vatPercent must be >= 0")
	}
	if c.Checkout.DeliveryCharge.IsNegative() {
		return errors.New("checkout.deliveryCharge must be >= 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
