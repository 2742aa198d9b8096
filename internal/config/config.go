package config

import (
	"fmt"
	"strings"
	"time"

	"staychain/internal/currency"

	"github.com/spf13/viper"
)

const (
	CeloMainnetChainID   int64 = 42220
	CeloAlfajoresChainID int64 = 44787

	defaultRPCURL          = "https://forno.celo.org"
	defaultRegistryAddress = "0xe9980A142D5D3610a4a32693d4325b563DFe6404"
)

// AppConfig is the full process configuration.
type AppConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Timeouts   TimeoutConfig    `mapstructure:"timeouts"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Currencies []currency.Entry `mapstructure:"currencies"`
	Pinning    PinningConfig    `mapstructure:"pinning"`
	Store      StoreConfig      `mapstructure:"store"`
	LocalPay   LocalPayConfig   `mapstructure:"localpay"`
	Events     EventsConfig     `mapstructure:"events"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Mode          string        `mapstructure:"mode"` // debug, release, test
	HMACSecret    string        `mapstructure:"hmac_secret"`
	HMACClockSkew time.Duration `mapstructure:"hmac_clock_skew"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ChainConfig struct {
	RPCURL          string  `mapstructure:"rpc_url"`
	ChainID         int64   `mapstructure:"chain_id"`
	// SecondaryRPCURL is another network the wallet may switch to, e.g.
	// Alfajores while serving mainnet.
	SecondaryRPCURL string  `mapstructure:"secondary_rpc_url"`
	PrivateKey      string  `mapstructure:"private_key"`
	RegistryAddress string  `mapstructure:"registry_address"`
	RPCRPS          float64 `mapstructure:"rpc_rps"`
	RPCBurst        int     `mapstructure:"rpc_burst"`
}

type TimeoutConfig struct {
	Read        time.Duration `mapstructure:"read"`
	Simulate    time.Duration `mapstructure:"simulate"`
	Confirm     time.Duration `mapstructure:"confirm"`
	ReceiptPoll time.Duration `mapstructure:"receipt_poll"`
}

type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

type PinningConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	JWT           string        `mapstructure:"jwt"`
	GatewayPrefix string        `mapstructure:"gateway_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a remote pinning service is configured.
func (p PinningConfig) Enabled() bool {
	return p.Endpoint != "" && p.JWT != ""
}

type StoreConfig struct {
	Driver        string        `mapstructure:"driver"` // memory, file, postgres, redis
	Path          string        `mapstructure:"path"`
	DSN           string        `mapstructure:"dsn"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type LocalPayConfig struct {
	DefaultMerchant string `mapstructure:"default_merchant"`
	DefaultAmount   string `mapstructure:"default_amount"`
	DefaultCurrency string `mapstructure:"default_currency"`
}

type EventsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Buffer       int           `mapstructure:"buffer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from an optional file and the environment.
// Environment variables use the STAYCHAIN_ prefix with "." replaced by "_",
// e.g. STAYCHAIN_CHAIN_RPC_URL.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("staychain")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("STAYCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = append([]currency.Entry(nil), currency.Defaults...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.hmac_secret", "")
	v.SetDefault("server.hmac_clock_skew", "60s")

	v.SetDefault("chain.rpc_url", defaultRPCURL)
	v.SetDefault("chain.chain_id", CeloMainnetChainID)
	v.SetDefault("chain.secondary_rpc_url", "")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.registry_address", defaultRegistryAddress)
	v.SetDefault("chain.rpc_rps", 10)
	v.SetDefault("chain.rpc_burst", 20)

	v.SetDefault("timeouts.read", "10s")
	v.SetDefault("timeouts.simulate", "10s")
	v.SetDefault("timeouts.confirm", "2m")
	v.SetDefault("timeouts.receipt_poll", "2s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "5s")
	v.SetDefault("retry.backoff_multiplier", 2)

	v.SetDefault("pinning.endpoint", "https://api.pinata.cloud")
	v.SetDefault("pinning.jwt", "")
	v.SetDefault("pinning.gateway_prefix", "ipfs://")
	v.SetDefault("pinning.timeout", "30s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "staychain-transactions.json")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.ttl", "168h")

	v.SetDefault("localpay.default_merchant", "Unknown Merchant")
	v.SetDefault("localpay.default_amount", "100")
	v.SetDefault("localpay.default_currency", "cKES")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.poll_interval", "5s")
	v.SetDefault("events.buffer", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate rejects configurations that cannot start the service.
func (c *AppConfig) Validate() error {
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Timeouts.Confirm <= 0 || c.Timeouts.Read <= 0 || c.Timeouts.Simulate <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	switch c.Store.Driver {
	case "memory", "file", "redis":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}
