package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trades"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回只包含默认值的配置，供测试与内存模式使用。
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchanges.enabled", []string{"binance"})
	v.SetDefault("exchanges.use_sandbox", false)
	v.SetDefault("exchanges.paper", false)
	v.SetDefault("exchanges.paper_venue.fee_rate", 0.001)
	v.SetDefault("exchanges.paper_venue.balances", map[string]float64{"USDT": 100000})
	v.SetDefault("exchanges.request_timeout", "20s")
	v.SetDefault("exchanges.retry.max_attempts", 3)
	v.SetDefault("exchanges.retry.min_delay", "500ms")
	v.SetDefault("exchanges.retry.max_delay", "5s")

	v.SetDefault("decompose.fraction_digits", 8)
	v.SetDefault("decompose.correction_factor", 0.95)
	v.SetDefault("decompose.share_sum_min", 0.95)
	v.SetDefault("decompose.control_ratio", 0.95)
	v.SetDefault("decompose.auto_approve", false)

	v.SetDefault("dispatcher.interval", "1s")
	v.SetDefault("dispatcher.batch_limit", 100)
	v.SetDefault("dispatcher.hung_after", "600s")
	v.SetDefault("dispatcher.hung_scan_one_in", 10)
	v.SetDefault("dispatcher.credential_cooldown", "1s")
	v.SetDefault("dispatcher.max_failed_in_row", 10)

	v.SetDefault("process.interval", "2s")
	v.SetDefault("process.debounce", "15s")
	v.SetDefault("process.batch_limit", 200)
	v.SetDefault("process.record_retries", 3)

	v.SetDefault("balances.enabled", true)
	v.SetDefault("balances.interval", "5m")
	v.SetDefault("balances.stale_after", "15m")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8090")

	v.SetDefault("notify.kafka.enabled", false)
	v.SetDefault("notify.kafka.topic", "order-status")
	v.SetDefault("notify.kafka.max_attempts", 3)
	v.SetDefault("notify.kafka.write_timeout", "5s")

	v.SetDefault("database.path", "data/trades_exec.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 10)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
