package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string `mapstructure:"service_name"`
	HTTPAddr    string `mapstructure:"http_addr"`

	StoreDriver string `mapstructure:"store_driver"` // postgres or bolt
	BoltPath    string `mapstructure:"bolt_path"`
	DB          DBConfig
	Redis       RedisConfig
	Kafka       KafkaConfig

	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	JWTSecret      string `mapstructure:"jwt_secret"`

	DedupBackend   string        `mapstructure:"dedup_backend"` // store or redis
	DedupRetention time.Duration `mapstructure:"dedup_retention"`
	CashTolerance  decimal.Decimal
	Currency       string `mapstructure:"currency"`

	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	PollRate      float64       `mapstructure:"poll_rate"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	Dispatch DispatchConfig
	MTN      WebhookConfig
	Airtel   WebhookConfig
	Pesapal  PesapalConfig
	PayPal   PayPalConfig
	SMS      ProviderConfig
	Email    ProviderConfig

	InventoryGRPC string `mapstructure:"inventory_grpc"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Broker           string `mapstructure:"broker"`
	OrderTopic       string `mapstructure:"order_topic"`
	FulfillmentTopic string `mapstructure:"fulfillment_topic"`
}

type DispatchConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Lease       time.Duration `mapstructure:"lease"`
	Grace       time.Duration `mapstructure:"grace"`
}

type WebhookConfig struct {
	Secret string        `mapstructure:"secret"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type PesapalConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	IPNID          string `mapstructure:"ipn_id"`
	CallbackURL    string `mapstructure:"callback_url"`
}

type PayPalConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	ReturnURL    string `mapstructure:"return_url"`
	CancelURL    string `mapstructure:"cancel_url"`
}

type ProviderConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Sender string `mapstructure:"sender"`
}

var defaults = map[string]any{
	"service_name": "reconcile-service",
	"http_addr":    ":8085",
	"store_driver": "postgres",
	"bolt_path":    "reconcile.db",

	"db.host":     "localhost",
	"db.port":     "5432",
	"db.user":     "postgres",
	"db.password": "postgres",
	"db.name":     "reconciledb",

	"redis.host":     "localhost",
	"redis.port":     "6379",
	"redis.password": "",

	"kafka.broker":            "localhost:9092",
	"kafka.order_topic":       "order_events",
	"kafka.fulfillment_topic": "fulfillment_events",

	"jaeger_endpoint": "http://localhost:14268/api/traces",
	"jwt_secret":      "your-secret-key-change-in-production",

	"dedup_backend":   "store",
	"dedup_retention": "72h",
	"cash_tolerance":  "500",
	"currency":        "UGX",

	"poll_interval":  "2m",
	"poll_timeout":   "15s",
	"poll_rate":      5.0,
	"sweep_interval": "1m",

	"dispatch.max_attempts": 3,
	"dispatch.backoff":      "1s",
	"dispatch.lease":        "2m",
	"dispatch.grace":        "30s",

	"mtn.secret":  "",
	"mtn.max_age": "5m",

	"airtel.secret":  "",
	"airtel.max_age": "5m",

	"pesapal.base_url":        "https://cybqa.pesapal.com/pesapalv3",
	"pesapal.consumer_key":    "",
	"pesapal.consumer_secret": "",
	"pesapal.ipn_id":          "",
	"pesapal.callback_url":    "http://localhost:8085/payments/pesapal/callback",

	"paypal.base_url":      "https://api-m.sandbox.paypal.com",
	"paypal.client_id":     "",
	"paypal.client_secret": "",
	"paypal.return_url":    "http://localhost:3000/checkout/paypal/return",
	"paypal.cancel_url":    "http://localhost:3000/checkout/paypal/cancel",

	"sms.url":     "http://localhost:9001/sms",
	"sms.api_key": "",
	"sms.sender":  "SHOP",

	"email.url":     "http://localhost:9002/mail",
	"email.api_key": "",
	"email.sender":  "orders@shop.example",

	"inventory_grpc": "localhost:50052",
}

// Load reads configuration from the environment. Nested keys map to
// underscore-joined variables, e.g. db.host -> DB_HOST, pesapal.ipn_id ->
// PESAPAL_IPN_ID. An optional config file can be named by CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	tolerance, err := decimal.NewFromString(v.GetString("cash_tolerance"))
	if err != nil {
		return nil, fmt.Errorf("invalid CASH_TOLERANCE: %w", err)
	}
	if tolerance.IsNegative() {
		return nil, fmt.Errorf("invalid CASH_TOLERANCE: must not be negative")
	}
	cfg.CashTolerance = tolerance

	switch cfg.StoreDriver {
	case "postgres", "bolt":
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	switch cfg.DedupBackend {
	case "store", "redis":
	default:
		return nil, fmt.Errorf("unsupported DEDUP_BACKEND %q", cfg.DedupBackend)
	}

	return &cfg, nil
}
