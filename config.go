package webserv

import (
	"github.com/BurntSushi/toml"
)

// Config is everything the binary feeds into the server. Zero values are
// filled by DefaultConfig; a TOML file can override any field.
type Config struct {
	Addr      string `toml:"addr"`
	Port      int    `toml:"port"`
	TrigMode  int    `toml:"trig_mode"`
	TimeoutMS int    `toml:"timeout_ms"`
	OptLinger bool   `toml:"opt_linger"`

	SqlHost      string `toml:"sql_host"`
	SqlPort      int    `toml:"sql_port"`
	SqlUser      string `toml:"sql_user"`
	SqlPwd       string `toml:"sql_pwd"`
	DbName       string `toml:"db_name"`
	ConnPoolSize int    `toml:"conn_pool_size"`

	ThreadPoolSize int `toml:"thread_pool_size"`

	OpenLog      bool   `toml:"open_log"`
	LogLevel     int    `toml:"log_level"`
	LogQueueSize int    `toml:"log_queue_size"`
	LogDir       string `toml:"log_dir"`
	LogSuffix    string `toml:"log_suffix"`

	SrcDir string `toml:"src_dir"`
}

// DefaultConfig return an instance with the stock settings.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "0.0.0.0",
		Port:           1316,
		TrigMode:       3,
		TimeoutMS:      60000,
		OptLinger:      false,
		SqlHost:        "localhost",
		SqlPort:        3306,
		SqlUser:        "root",
		SqlPwd:         "root",
		DbName:         "webserv",
		ConnPoolSize:   12,
		ThreadPoolSize: 8,
		OpenLog:        true,
		LogLevel:       LevelInfo,
		LogQueueSize:   1024,
		LogDir:         "./log",
		LogSuffix:      ".log",
	}
}

// LoadConfig overlays a TOML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
