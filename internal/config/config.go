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
	CommissionEvent string `mapstructure:"commission_event"`
	PayoutEvent     string `mapstructure:"payout_event"`
}

// BusinessConfig 业务策略参数
// 冻结期、起提金额、归因窗口都是策略输入，不做编译期常量
type BusinessConfig struct {
	HoldDays              int     `mapstructure:"hold_days"`               // 佣金冻结期（天）
	AttributionWindowDays int     `mapstructure:"attribution_window_days"` // 点击归因窗口（天）
	MinimumPayout         float64 `mapstructure:"minimum_payout"`          // 起提金额
	StarterRate           float64 `mapstructure:"starter_rate"`            // STARTER 等级佣金比例
	ActiveRate            float64 `mapstructure:"active_rate"`             // ACTIVE 等级佣金比例
	PartnerRate           float64 `mapstructure:"partner_rate"`            // PARTNER 等级佣金比例
	TierUpgradeSales      int64   `mapstructure:"tier_upgrade_sales"`      // 升级 ACTIVE 所需清分转化数
	ClearingCron          string  `mapstructure:"clearing_cron"`           // 清分任务调度表达式
	MaxRetryCount         int     `mapstructure:"max_retry_count"`
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
