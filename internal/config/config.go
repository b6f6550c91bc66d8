package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Server   Server   `yaml:"server" env-prefix:"SERVER_"`
	Logger   Logger   `yaml:"logger" env-prefix:"LOG_"`
	Postgres Postgres `yaml:"postgres" env-prefix:"POSTGRES_"`
	Redis    Redis    `yaml:"redis" env-prefix:"REDIS_"`
	Chain    Chain    `yaml:"chain" env-prefix:"CHAIN_"`
	Juno     Juno     `yaml:"juno" env-prefix:"JUNO_"`
	Sweeps   Sweeps   `yaml:"sweeps" env-prefix:"SWEEP_"`
	Kafka    Kafka    `yaml:"kafka" env-prefix:"KAFKA_"`
	AWS      AWS      `yaml:"aws" env-prefix:"AWS_"`
}

type Server struct {
	Port     int `yaml:"Port" env:"PORT" env-default:"8080"`
	GRPCPort int `yaml:"GRPCPort" env:"GRPC_PORT" env-default:"8888"`
}

type Logger struct {
	Env   string `yaml:"Env" env:"ENV" env-default:"development"`
	Level string `yaml:"Level" env:"LEVEL" env-default:"info"`
}

type Postgres struct {
	Host     string `yaml:"Host" env:"HOST" env-default:"localhost"`
	Port     int    `yaml:"Port" env:"PORT" env-default:"5432"`
	SSLMode  string `yaml:"SSLMode" env:"SSL_MODE" env-default:"disable"`
	DB       string `yaml:"DB" env:"DB"`
	User     string `yaml:"User" env:"USER"`
	Password string `yaml:"Password" env:"PASSWORD"`
}

type Redis struct {
	URL string `yaml:"URL" env:"URL" env-default:"localhost:6379"`
}

// Chain holds everything needed to talk to the escrow and token contracts.
// BridgeKey wins over BridgeKeySecret when both are set.
type Chain struct {
	RPCURL          string        `yaml:"RPCURL" env:"RPC_URL"`
	ChainID         int64         `yaml:"ChainID" env:"ID"`
	BridgeKey       string        `yaml:"BridgeKey" env:"BRIDGE_KEY"`
	BridgeKeySecret string        `yaml:"BridgeKeySecret" env:"BRIDGE_KEY_SECRET"`
	EscrowContract  string        `yaml:"EscrowContract" env:"ESCROW_CONTRACT"`
	TokenContract   string        `yaml:"TokenContract" env:"TOKEN_CONTRACT"`
	TokenDecimals   uint8         `yaml:"TokenDecimals" env:"TOKEN_DECIMALS" env-default:"6"`
	OfframpAddress  string        `yaml:"OfframpAddress" env:"OFFRAMP_ADDRESS"`
	ConfirmTimeout  time.Duration `yaml:"ConfirmTimeout" env:"CONFIRM_TIMEOUT" env-default:"2m"`
	PollInterval    time.Duration `yaml:"PollInterval" env:"POLL_INTERVAL" env-default:"3s"`
	MaxTxAttempts   uint64        `yaml:"MaxTxAttempts" env:"MAX_TX_ATTEMPTS" env-default:"3"`
	RetryBackoff    time.Duration `yaml:"RetryBackoff" env:"RETRY_BACKOFF" env-default:"2s"`
}

type Juno struct {
	APIKey            string        `yaml:"APIKey" env:"API_KEY"`
	APISecret         string        `yaml:"APISecret" env:"API_SECRET"`
	APISecretName     string        `yaml:"APISecretName" env:"API_SECRET_NAME"`
	Environment       string        `yaml:"Environment" env:"ENV" env-default:"stage"`
	BaseURL           string        `yaml:"BaseURL" env:"BASE_URL"`
	BankAccountID     string        `yaml:"BankAccountID" env:"BANK_ACCOUNT_ID"`
	Asset             string        `yaml:"Asset" env:"ASSET" env-default:"mxn"`
	RequestsPerSecond float64       `yaml:"RequestsPerSecond" env:"RPS" env-default:"5"`
	Timeout           time.Duration `yaml:"Timeout" env:"TIMEOUT" env-default:"15s"`
}

type Sweeps struct {
	DepositInterval   time.Duration `yaml:"DepositInterval" env:"DEPOSIT_INTERVAL" env-default:"1m"`
	EscrowInterval    time.Duration `yaml:"EscrowInterval" env:"ESCROW_INTERVAL" env-default:"1m"`
	CustodyInterval   time.Duration `yaml:"CustodyInterval" env:"CUSTODY_INTERVAL" env-default:"10m"`
	PayoutInterval    time.Duration `yaml:"PayoutInterval" env:"PAYOUT_INTERVAL" env-default:"2m"`
	Workers           int           `yaml:"Workers" env:"WORKERS" env-default:"4"`
	PaymentTimeout    time.Duration `yaml:"PaymentTimeout" env:"PAYMENT_TIMEOUT" env-default:"5m"`
	StaleDepositAfter time.Duration `yaml:"StaleDepositAfter" env:"STALE_DEPOSIT_AFTER" env-default:"72h"`
	FeedSize          int           `yaml:"FeedSize" env:"FEED_SIZE" env-default:"100"`
}

type Kafka struct {
	Brokers []string `yaml:"Brokers" env:"BROKERS" env-separator:","`
	Topic   string   `yaml:"Topic" env:"TOPIC" env-default:"payment-events"`
}

type AWS struct {
	SecretsEnabled bool   `yaml:"SecretsEnabled" env:"SECRETS_ENABLED"`
	AlertTopicARN  string `yaml:"AlertTopicARN" env:"ALERT_TOPIC_ARN"`
}

const (
	junoStageURL = "https://stage.buildwithjuno.com/mint_platform/v1"
	junoProdURL  = "https://buildwithjuno.com/mint_platform/v1"
)

// JunoBaseURL resolves the fiat-rail endpoint from the environment name unless overridden.
func (j Juno) JunoBaseURL() string {
	if j.BaseURL != "" {
		return j.BaseURL
	}
	if j.Environment == "prod" {
		return junoProdURL
	}
	return junoStageURL
}

func LoadConfig() (*Config, error) {
	configPath, exists := os.LookupEnv("CONFIG_PATH")
	if !exists {
		return nil, errors.New("Missing CONFIG_PATH env variable")
	}
	var config Config
	var err error
	if configPath == "environment" {
		err = cleanenv.ReadEnv(&config)
	} else {
		err = cleanenv.ReadConfig(configPath, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("Unable to process config: %v", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings the sweeps cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.Chain.RPCURL == "":
		return errors.New("CHAIN_RPC_URL is required")
	case c.Chain.ChainID == 0:
		return errors.New("CHAIN_ID is required")
	case c.Chain.BridgeKey == "" && c.Chain.BridgeKeySecret == "":
		return errors.New("one of CHAIN_BRIDGE_KEY or CHAIN_BRIDGE_KEY_SECRET is required")
	case c.Chain.EscrowContract == "" || c.Chain.TokenContract == "":
		return errors.New("CHAIN_ESCROW_CONTRACT and CHAIN_TOKEN_CONTRACT are required")
	case c.Juno.APIKey == "":
		return errors.New("JUNO_API_KEY is required")
	case c.Juno.APISecret == "" && c.Juno.APISecretName == "":
		return errors.New("one of JUNO_API_SECRET or JUNO_API_SECRET_NAME is required")
	case c.Juno.Environment != "stage" && c.Juno.Environment != "prod":
		return fmt.Errorf("JUNO_ENV must be stage or prod, got %q", c.Juno.Environment)
	case c.Sweeps.Workers < 1:
		return errors.New("SWEEP_WORKERS must be at least 1")
	}
	return nil
}
