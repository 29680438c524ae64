package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransferResult string `mapstructure:"transfer_result"`
}

// ChainConfig 链上记录器配置
// gas_limit 与确认超时是固定配置值，不随单笔请求变化
type ChainConfig struct {
	RPCURL                string `mapstructure:"rpc_url"`
	ContractAddress       string `mapstructure:"contract_address"`
	PrivateKey            string `mapstructure:"private_key"`
	GasLimit              uint64 `mapstructure:"gas_limit"`
	ConfirmTimeoutSeconds int    `mapstructure:"confirm_timeout_seconds"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

type BusinessConfig struct {
	InitialBalance      int64 `mapstructure:"initial_balance"`       // 注册赠送的初始余额
	MaxRetryCount       int   `mapstructure:"max_retry_count"`       // outbox 消息最大重试次数
	SettleRetrySeconds  int   `mapstructure:"settle_retry_seconds"`  // 落账补偿任务扫描间隔
	RankingCacheSeconds int   `mapstructure:"ranking_cache_seconds"` // 排行榜缓存有效期
	RankingLimit        int   `mapstructure:"ranking_limit"`         // 排行榜默认条数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
