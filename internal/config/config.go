package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type EngineConfig struct {
	RPCURL        string            `mapstructure:"rpc_url"`
	WebsocketURL  string            `mapstructure:"websocket_url"`
	Secret        string            `mapstructure:"secret"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	DownloadDir   string            `mapstructure:"download_dir"`
	Headers       map[string]string `mapstructure:"headers"`
	CancelTimeout time.Duration     `mapstructure:"cancel_timeout"`
}

type SchedulerConfig struct {
	MaxDownloads  int    `mapstructure:"max_downloads"`
	StartAttempts int    `mapstructure:"start_attempts"`
	MinFreeBytes  uint64 `mapstructure:"min_free_bytes"`
}

type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Fanout           int           `mapstructure:"fanout"`
	DownloadRestarts int           `mapstructure:"download_restarts"`
}

type UploadConfig struct {
	BucketURL  string `mapstructure:"bucket_url"`
	Prefix     string `mapstructure:"prefix"`
	PublicURL  string `mapstructure:"public_url"`
	MaxUploads int    `mapstructure:"max_uploads"`
	ChunkSize  int64  `mapstructure:"chunk_size"`
}

// RetryPolicy is a bounded exponential backoff schedule.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      bool          `mapstructure:"jitter"`
}

type RetryConfig struct {
	Engine RetryPolicy `mapstructure:"engine"`
	Upload RetryPolicy `mapstructure:"upload"`
}

type RegistryConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type NotifyConfig struct {
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Buffer     int    `mapstructure:"buffer"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.rpc_url", "http://localhost:6800/jsonrpc")
	v.SetDefault("engine.websocket_url", "")
	v.SetDefault("engine.timeout", 10*time.Second)
	v.SetDefault("engine.download_dir", "./downloads")
	v.SetDefault("engine.cancel_timeout", 10*time.Second)
	v.SetDefault("engine.headers", map[string]string{
		"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	})

	v.SetDefault("scheduler.max_downloads", 5)
	v.SetDefault("scheduler.start_attempts", 3)
	v.SetDefault("scheduler.min_free_bytes", 0)

	v.SetDefault("monitor.interval", 2*time.Second)
	v.SetDefault("monitor.fanout", 8)
	v.SetDefault("monitor.download_restarts", 3)

	v.SetDefault("upload.bucket_url", "file://./mirror")
	v.SetDefault("upload.prefix", "")
	v.SetDefault("upload.max_uploads", 2)
	v.SetDefault("upload.chunk_size", 8<<20)

	v.SetDefault("retry.engine.max_attempts", 5)
	v.SetDefault("retry.engine.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.engine.max_delay", 6*time.Second)
	v.SetDefault("retry.engine.jitter", true)
	v.SetDefault("retry.upload.max_attempts", 10)
	v.SetDefault("retry.upload.base_delay", 3*time.Second)
	v.SetDefault("retry.upload.max_delay", 12*time.Second)
	v.SetDefault("retry.upload.jitter", true)

	v.SetDefault("registry.data_dir", "./data")
	v.SetDefault("registry.retention", time.Hour)
	v.SetDefault("registry.sweep_interval", time.Minute)

	v.SetDefault("notify.exchange", "")
	v.SetDefault("notify.routing_key", "mirrorbot.events")
	v.SetDefault("notify.buffer", 256)

	v.SetDefault("server.addr", ":8084")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})
}

// LoadEnvFiles loads .env and then .env.local (overriding) when present.
func LoadEnvFiles() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	if err := godotenv.Overload(".env.local"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env.local: %w", err)
	}
	return nil
}

// Load reads the config file at path (optional) and applies MIRRORBOT_* env
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MIRRORBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.RPCURL == "" {
		return errors.New("config: engine.rpc_url is required")
	}
	if c.Scheduler.MaxDownloads < 1 {
		return fmt.Errorf("config: scheduler.max_downloads must be positive, got %d", c.Scheduler.MaxDownloads)
	}
	if c.Scheduler.StartAttempts < 1 {
		return fmt.Errorf("config: scheduler.start_attempts must be positive, got %d", c.Scheduler.StartAttempts)
	}
	if c.Upload.MaxUploads < 1 {
		return fmt.Errorf("config: upload.max_uploads must be positive, got %d", c.Upload.MaxUploads)
	}
	if c.Upload.ChunkSize < 1 {
		return fmt.Errorf("config: upload.chunk_size must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("config: monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Monitor.Fanout < 1 {
		return fmt.Errorf("config: monitor.fanout must be positive, got %d", c.Monitor.Fanout)
	}
	for name, p := range map[string]RetryPolicy{"engine": c.Retry.Engine, "upload": c.Retry.Upload} {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("config: retry.%s.max_attempts must be positive, got %d", name, p.MaxAttempts)
		}
	}
	return nil
}
