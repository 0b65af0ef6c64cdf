/*
Package configは、ルーターの設定をYAMLファイルと環境変数から読み込みます。

環境変数はプレフィックス ROUTERLINK を持ち、キーの `.` と `-` は `_` に置き換えます。

	ROUTERLINK_TRANSPORTS_NOISE_LISTEN=0.0.0.0:7001
	ROUTERLINK_LOG_LEVEL=debug
*/
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/log"
	"github.com/aptpod/routerlink-go/transport"
	"github.com/aptpod/routerlink-go/transport/metrics"
	"github.com/aptpod/routerlink-go/transport/multi"
)

// EnvPrefixは、環境変数のプレフィックスです。
const EnvPrefix = "ROUTERLINK"

const (
	defaultNoiseKeyFile  = "noise.keys.dat"
	defaultRouterKeyFile = "router.keys.dat"
)

// Configは、ルーターの設定です。
type Config struct {
	// DataDirは、鍵ファイルなどを保存するディレクトリです。
	DataDir string `mapstructure:"data_dir"`

	Router     RouterConfig     `mapstructure:"router"`
	Transports TransportsConfig `mapstructure:"transports"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// RouterConfigは、ルーターの識別情報の設定です。
type RouterConfig struct {
	// KeyFileは、ルーター鍵のファイルです。空の場合は DataDir 配下の router.keys.dat です。
	KeyFile string `mapstructure:"keyfile"`
}

// TransportsConfigは、トランスポートの設定です。
type TransportsConfig struct {
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Noise      NoiseConfig      `mapstructure:"noise"`
	QUIC       QUICConfig       `mapstructure:"quic"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type WebSocketConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

type NoiseConfig struct {
	Listen string `mapstructure:"listen"`
	// KeyFileは、静的鍵のファイルです。空の場合は DataDir 配下の noise.keys.dat です。
	KeyFile string `mapstructure:"keyfile"`
}

type QUICConfig struct {
	// Listenが空の場合、QUICトランスポートは使用しません。
	Listen    string        `mapstructure:"listen"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

// QueueConfigは、送信キューの設定です。
type QueueConfig struct {
	// Limitは、キューの上限です。0の場合は上限なしです。
	Limit int `mapstructure:"limit"`
	// Policyは、unbounded、drop-oldest、rejectのいずれかです。
	Policy string `mapstructure:"policy"`
}

type SupervisorConfig struct {
	MaxRestarts  int           `mapstructure:"max_restarts"`
	BaseInterval time.Duration `mapstructure:"base_interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
}

// LogConfigは、ロガーの設定です。
type LogConfig struct {
	// Levelは、debug、info、warn、errorのいずれかです。
	Level string `mapstructure:"level"`
	// Formatは、consoleまたはjsonです。
	Format string `mapstructure:"format"`
	// Outputsは、stdout、stderr、またはファイルパスです。
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfigは、ファイル出力のローテーション設定です。
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfigは、メトリクスの設定です。
type MetricsConfig struct {
	// Listenは、/metrics を公開するアドレスです。空の場合は公開しません。
	Listen string `mapstructure:"listen"`
}

// Defaultは、デフォルト値を持つConfigを返却します。
//
// 待ち受けアドレスにデフォルト値はありません。
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Transports: TransportsConfig{
			Queue:            QueueConfig{Policy: transport.QueuePolicyUnbounded.String()},
			Supervisor:       SupervisorConfig{MaxRestarts: multi.DefaultMaxRestarts},
			HandshakeTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("router.keyfile", c.Router.KeyFile)

	v.SetDefault("transports.websocket.listen", c.Transports.WebSocket.Listen)
	v.SetDefault("transports.websocket.path", c.Transports.WebSocket.Path)
	v.SetDefault("transports.noise.listen", c.Transports.Noise.Listen)
	v.SetDefault("transports.noise.keyfile", c.Transports.Noise.KeyFile)
	v.SetDefault("transports.quic.listen", c.Transports.QUIC.Listen)
	v.SetDefault("transports.quic.keep_alive", c.Transports.QUIC.KeepAlive)
	v.SetDefault("transports.queue.limit", c.Transports.Queue.Limit)
	v.SetDefault("transports.queue.policy", c.Transports.Queue.Policy)
	v.SetDefault("transports.supervisor.max_restarts", c.Transports.Supervisor.MaxRestarts)
	v.SetDefault("transports.supervisor.base_interval", c.Transports.Supervisor.BaseInterval)
	v.SetDefault("transports.supervisor.max_interval", c.Transports.Supervisor.MaxInterval)
	v.SetDefault("transports.handshake_timeout", c.Transports.HandshakeTimeout)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)

	v.SetDefault("metrics.listen", c.Metrics.Listen)
}

/*
Loadは、pathのYAMLファイルと環境変数から設定を読み込みます。

pathが空の場合は環境変数 ROUTERLINK_CONFIG のパスを使用し、それも空の場合はカレントディレクトリと ./configs の routerlink.yaml を探します。
ファイルが見つからない場合はデフォルト値と環境変数のみを使用します。
不正な値は *errors.ConfigError を返却します。待ち受けアドレスの検証は multi.NewManager が行います。
*/
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("routerlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Errorf("read config: %v: %w", err, errors.ErrInvalidConfig)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Errorf("decode config: %v: %w", err, errors.ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &errors.ConfigError{Key: "log.level", Err: errors.Errorf("%q: %w", c.Log.Level, errors.ErrInvalidConfig)}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return &errors.ConfigError{Key: "log.format", Err: errors.Errorf("%q: %w", c.Log.Format, errors.ErrInvalidConfig)}
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if _, err := transport.ParseQueuePolicy(c.Transports.Queue.Policy); err != nil {
		return &errors.ConfigError{Key: "transports.queue.policy", Err: err}
	}
	if c.Transports.Queue.Limit < 0 {
		return &errors.ConfigError{Key: "transports.queue.limit", Err: errors.Errorf("%d: %w", c.Transports.Queue.Limit, errors.ErrInvalidConfig)}
	}
	if c.Transports.Supervisor.MaxRestarts < 0 {
		return &errors.ConfigError{Key: "transports.supervisor.max_restarts", Err: errors.Errorf("%d: %w", c.Transports.Supervisor.MaxRestarts, errors.ErrInvalidConfig)}
	}

	if c.Transports.Noise.KeyFile == "" {
		c.Transports.Noise.KeyFile = filepath.Join(c.DataDir, defaultNoiseKeyFile)
	}
	if c.Router.KeyFile == "" {
		c.Router.KeyFile = filepath.Join(c.DataDir, defaultRouterKeyFile)
	}
	return nil
}

// Managerは、multi.NewManagerへ渡す設定を返却します。
func (c *Config) Manager(logger log.Logger, collector metrics.Collector) (multi.Config, error) {
	policy, err := transport.ParseQueuePolicy(c.Transports.Queue.Policy)
	if err != nil {
		return multi.Config{}, &errors.ConfigError{Key: "transports.queue.policy", Err: err}
	}
	t := c.Transports
	return multi.Config{
		WebSocket: multi.WebSocketConfig{
			ListenAddr: t.WebSocket.Listen,
			Path:       t.WebSocket.Path,
		},
		Noise: multi.NoiseConfig{
			ListenAddr: t.Noise.Listen,
			KeyFile:    t.Noise.KeyFile,
		},
		QUIC: multi.QUICConfig{
			ListenAddr:      t.QUIC.Listen,
			KeepAlivePeriod: t.QUIC.KeepAlive,
		},
		Queue: transport.QueueConfig{
			Limit:  t.Queue.Limit,
			Policy: policy,
		},
		Supervisor: &multi.SupervisorConfig{
			MaxRestarts:  t.Supervisor.MaxRestarts,
			BaseInterval: t.Supervisor.BaseInterval,
			MaxInterval:  t.Supervisor.MaxInterval,
		},
		HandshakeTimeout: t.HandshakeTimeout,
		Logger:           logger,
		Metrics:          collector,
	}, nil
}
