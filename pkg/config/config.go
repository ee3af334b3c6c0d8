package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Server     struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Brokers    string `mapstructure:"ADDR"`
		GroupID    string `mapstructure:"GROUP_ID"`
		TradeTopic string `mapstructure:"TRADE_TOPIC"`
	} `mapstructure:"KAFKA"`
	Settlement struct {
		PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
		BatchSize    int           `mapstructure:"BATCH_SIZE"`
		Concurrency  int           `mapstructure:"CONCURRENCY"`
		MaxAttempts  int           `mapstructure:"MAX_ATTEMPTS"`
		StaleAfter   time.Duration `mapstructure:"STALE_AFTER"`
	} `mapstructure:"SETTLEMENT"`
	Aggregator struct {
		BatchSize int           `mapstructure:"BATCH_SIZE"`
		SafetyLag time.Duration `mapstructure:"SAFETY_LAG"`
	} `mapstructure:"AGGREGATOR"`
	OnChain struct {
		Endpoint       string        `mapstructure:"ENDPOINT"`
		BatchSize      int           `mapstructure:"BATCH_SIZE"`
		MaxAttempts    int           `mapstructure:"MAX_ATTEMPTS"`
		GraceWindow    time.Duration `mapstructure:"GRACE_WINDOW"`
		MaxBackoffMin  int           `mapstructure:"MAX_BACKOFF_MIN"`
		ChainDecimals  int32         `mapstructure:"CHAIN_DECIMALS"`
		LogEveryFirstN int           `mapstructure:"LOG_EVERY_FIRST_N"`
	} `mapstructure:"ONCHAIN"`
	Defense struct {
		GiniWarn              float64       `mapstructure:"GINI_WARN"`
		TopOneWarnShare       float64       `mapstructure:"TOP_ONE_WARN_SHARE"`
		TopFiveWarnShare      float64       `mapstructure:"TOP_FIVE_WARN_SHARE"`
		NegativeFlowThreshold string        `mapstructure:"NEGATIVE_FLOW_THRESHOLD"`
		TimelockDelay         time.Duration `mapstructure:"TIMELOCK_DELAY"`
	} `mapstructure:"DEFENSE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Warn("no config file found, relying on environment", zap.Error(err))
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		// Secrets override file/env values when a vault client is wired in.
		client := p.Vault
		ctx := context.Background()

		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
	}

	return &cfg
}
