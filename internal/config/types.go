package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchanges  ExchangesConfig  `mapstructure:"exchanges"`
	Decompose  DecomposeConfig  `mapstructure:"decompose"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Process    ProcessConfig    `mapstructure:"process"`
	Balances   BalancesConfig   `mapstructure:"balances"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangesConfig 描述交易所调用方式。
type ExchangesConfig struct {
	Enabled        []string      `mapstructure:"enabled"`
	UseSandbox     bool          `mapstructure:"use_sandbox"`
	Paper          bool          `mapstructure:"paper"`
	PaperVenue     PaperConfig   `mapstructure:"paper_venue"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// PaperConfig 描述模拟成交参数。
type PaperConfig struct {
	FeeRate  float64            `mapstructure:"fee_rate"`
	Prices   map[string]float64 `mapstructure:"prices"`
	Balances map[string]float64 `mapstructure:"balances"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DecomposeConfig 控制拆单算法参数。
type DecomposeConfig struct {
	FractionDigits   int32   `mapstructure:"fraction_digits"`
	CorrectionFactor float64 `mapstructure:"correction_factor"`
	ShareSumMin      float64 `mapstructure:"share_sum_min"`
	// ControlRatio 为 TYPE1 子订单数量之和相对订单数量的下限。
	ControlRatio float64 `mapstructure:"control_ratio"`
	AutoApprove      bool    `mapstructure:"auto_approve"`
}

// DispatcherConfig 控制请求分发循环。
type DispatcherConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	BatchLimit         int           `mapstructure:"batch_limit"`
	HungAfter          time.Duration `mapstructure:"hung_after"`
	HungScanOneIn      int           `mapstructure:"hung_scan_one_in"`
	CredentialCooldown time.Duration `mapstructure:"credential_cooldown"`
	MaxFailedInRow     int64         `mapstructure:"max_failed_in_row"`
}

// ProcessConfig 控制订单处理循环。
type ProcessConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
	BatchLimit    int           `mapstructure:"batch_limit"`
	RecordRetries int           `mapstructure:"record_retries"`
}

// BalancesConfig 控制余额同步。
type BalancesConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	// StaleAfter 之后仍未返回的余额查询被放弃，下一轮重新入队。
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// AdminConfig 控制运维接口。
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// NotifyConfig 控制订单状态通知。
type NotifyConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig 描述 Kafka 生产者。
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string     `mapstructure:"level"`
	Encoding         string     `mapstructure:"encoding"`
	Development      bool       `mapstructure:"development"`
	OutputPaths      []string   `mapstructure:"output_paths"`
	ErrorOutputPaths []string   `mapstructure:"error_output_paths"`
	File             FileConfig `mapstructure:"file"`
}

// FileConfig 描述日志文件切割。
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if !c.Exchanges.Paper && len(c.Exchanges.Enabled) == 0 {
		err = multierr.Append(err, errors.New("exchanges.enabled 至少包含一个交易所"))
	}
	if c.Exchanges.PaperVenue.FeeRate < 0 || c.Exchanges.PaperVenue.FeeRate >= 1 {
		err = multierr.Append(err, errors.New("exchanges.paper_venue.fee_rate 必须位于[0,1)"))
	}
	if c.Exchanges.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("exchanges.request_timeout 必须大于0"))
	}
	if c.Exchanges.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchanges.retry.max_attempts 必须大于0"))
	}
	if c.Exchanges.Retry.MinDelay <= 0 || c.Exchanges.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchanges.retry.delay 必须为正"))
	}
	if c.Exchanges.Retry.MinDelay > c.Exchanges.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchanges.retry.min_delay 不能大于 max_delay"))
	}
	if c.Decompose.FractionDigits < 0 || c.Decompose.FractionDigits > 8 {
		err = multierr.Append(err, errors.New("decompose.fraction_digits 必须位于[0,8]"))
	}
	if c.Decompose.CorrectionFactor <= 0 || c.Decompose.CorrectionFactor > 1 {
		err = multierr.Append(err, errors.New("decompose.correction_factor 必须位于(0,1]"))
	}
	if c.Decompose.ShareSumMin <= 0 || c.Decompose.ShareSumMin > 1 {
		err = multierr.Append(err, errors.New("decompose.share_sum_min 必须位于(0,1]"))
	}
	if c.Decompose.ControlRatio <= 0 || c.Decompose.ControlRatio > 1 {
		err = multierr.Append(err, errors.New("decompose.control_ratio 必须位于(0,1]"))
	}
	if c.Dispatcher.Interval <= 0 {
		err = multierr.Append(err, errors.New("dispatcher.interval 必须大于0"))
	}
	if c.Dispatcher.BatchLimit <= 0 {
		err = multierr.Append(err, errors.New("dispatcher.batch_limit 必须大于0"))
	}
	if c.Dispatcher.HungAfter <= 0 {
		err = multierr.Append(err, errors.New("dispatcher.hung_after 必须大于0"))
	}
	if c.Dispatcher.HungScanOneIn <= 0 {
		err = multierr.Append(err, errors.New("dispatcher.hung_scan_one_in 必须大于0"))
	}
	if c.Dispatcher.CredentialCooldown < 0 {
		err = multierr.Append(err, errors.New("dispatcher.credential_cooldown 不能为负"))
	}
	if c.Dispatcher.MaxFailedInRow < 0 {
		err = multierr.Append(err, errors.New("dispatcher.max_failed_in_row 不能为负"))
	}
	if c.Process.Interval <= 0 {
		err = multierr.Append(err, errors.New("process.interval 必须大于0"))
	}
	if c.Process.Debounce < 0 {
		err = multierr.Append(err, errors.New("process.debounce 不能为负"))
	}
	if c.Process.BatchLimit <= 0 {
		err = multierr.Append(err, errors.New("process.batch_limit 必须大于0"))
	}
	if c.Process.RecordRetries <= 0 {
		err = multierr.Append(err, errors.New("process.record_retries 必须大于0"))
	}
	if c.Balances.Enabled && c.Balances.Interval <= 0 {
		err = multierr.Append(err, errors.New("balances.interval 必须大于0"))
	}
	if c.Balances.Enabled && c.Balances.StaleAfter <= 0 {
		err = multierr.Append(err, errors.New("balances.stale_after 必须大于0"))
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		err = multierr.Append(err, errors.New("admin.addr 不能为空"))
	}
	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 {
			err = multierr.Append(err, errors.New("notify.kafka.brokers 不能为空"))
		}
		if c.Notify.Kafka.Topic == "" {
			err = multierr.Append(err, errors.New("notify.kafka.topic 不能为空"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.InMemory && c.Database.MaxOpenConns != 1 {
		err = multierr.Append(err, errors.New("database.in_memory 模式下 max_open_conns 必须为1"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Logging.File.Path != "" && c.Logging.File.MaxSizeMB <= 0 {
		err = multierr.Append(err, errors.New("logging.file.max_size_mb 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
