package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const devSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server         ServerConfig  `mapstructure:"server"`
	ControlBoard   SerialConfig  `mapstructure:"control_board"`
	TestBoard      SerialConfig  `mapstructure:"test_board"`
	WifiBoard      SecondBoard   `mapstructure:"wifi_board"`
	Chamber        ChamberConfig `mapstructure:"chamber"`
	TestBoardWatch BoardWatch    `mapstructure:"test_board_watch"`
	Upload         UploadConfig  `mapstructure:"upload"`
	Storage        StorageConfig `mapstructure:"storage"`
	Auth           AuthConfig    `mapstructure:"auth"`
	Suite          SuiteConfig   `mapstructure:"suite"`
	Logging        LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// SecondBoard is an optional extra test board, typically the radio module
// of the device under test. Its output is checked against the same expected
// output as the main test board. Leaving port empty disables it.
type SecondBoard struct {
	Name        string        `mapstructure:"name"`
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	FQBN        string        `mapstructure:"fqbn"`
	// Sketch is flashed once when the station starts.
	Sketch string `mapstructure:"sketch"`
}

func (b SecondBoard) Enabled() bool {
	return b.Port != ""
}

func (b SecondBoard) Serial() SerialConfig {
	return SerialConfig{Port: b.Port, BaudRate: b.BaudRate, ReadTimeout: b.ReadTimeout}
}

type ChamberConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	SilenceTimeout   time.Duration `mapstructure:"silence_timeout"`
	CableTimeout     time.Duration `mapstructure:"cable_timeout"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	EmergencyRealert time.Duration `mapstructure:"emergency_realert"`
	TargetTolerance  float64       `mapstructure:"target_tolerance"`
	MaxTemp          float64       `mapstructure:"max_temp"`
	TempGapWarning   float64       `mapstructure:"temp_gap_warning"`
	// Minute is the real length of one step duration unit.
	Minute time.Duration `mapstructure:"minute"`
}

type BoardWatch struct {
	SilenceTimeout   time.Duration `mapstructure:"silence_timeout"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	OpenDelay        time.Duration `mapstructure:"open_delay"`
}

type UploadConfig struct {
	Tool        string        `mapstructure:"tool"`
	Args        []string      `mapstructure:"args"`
	FQBN        string        `mapstructure:"fqbn"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Database DatabaseConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	JWTSecretEnv           string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	MaxFailedLoginAttempts int           `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration `mapstructure:"account_lock_duration"`
	Username               string        `mapstructure:"username"`
	// PasswordHash is an encoded argon2id hash (chamberd -hash-password).
	PasswordHash string `mapstructure:"password_hash"`
}

type SuiteConfig struct {
	Directory string `mapstructure:"directory"`
}

type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("CHAMBER") // CHAMBER_CONTROL_BOARD_PORT etc.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	// empty defaults register the keys so CHAMBER_* variables reach Unmarshal
	v.SetDefault("control_board.port", "")
	v.SetDefault("test_board.port", "")
	v.SetDefault("control_board.baud_rate", 9600)
	v.SetDefault("control_board.read_timeout", "1s")
	v.SetDefault("test_board.baud_rate", 9600)
	v.SetDefault("test_board.read_timeout", "1s")
	v.SetDefault("wifi_board.name", "wifi")
	v.SetDefault("wifi_board.port", "")
	v.SetDefault("wifi_board.baud_rate", 9600)
	v.SetDefault("wifi_board.read_timeout", "1s")
	v.SetDefault("wifi_board.fqbn", "")
	v.SetDefault("wifi_board.sketch", "")

	v.SetDefault("chamber.ping_interval", "2s")
	v.SetDefault("chamber.silence_timeout", "5m")
	v.SetDefault("chamber.cable_timeout", "15s")
	v.SetDefault("chamber.watchdog_interval", "5s")
	v.SetDefault("chamber.emergency_realert", "15s")
	v.SetDefault("chamber.target_tolerance", 0.5)
	v.SetDefault("chamber.max_temp", 100.0)
	v.SetDefault("chamber.temp_gap_warning", 10.0)
	v.SetDefault("chamber.minute", "1m")

	v.SetDefault("test_board_watch.silence_timeout", "60s")
	v.SetDefault("test_board_watch.watchdog_interval", "1s")
	v.SetDefault("test_board_watch.open_delay", "2s")

	v.SetDefault("upload.tool", "arduino-cli")
	v.SetDefault("upload.args", []string{"compile", "--upload", "-p", "{port}", "--fqbn", "{fqbn}", "{sketch}"})
	v.SetDefault("upload.fqbn", "arduino:avr:uno")
	v.SetDefault("upload.settle_delay", "1500ms")
	v.SetDefault("upload.timeout", "5m")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/chamber.db")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.max_connections", 4)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")
	v.SetDefault("auth.username", "operator")
	v.SetDefault("auth.password_hash", "")

	v.SetDefault("suite.directory", ".")
	v.SetDefault("logging.level", "info")
}

// Validate rejects settings the station cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.ControlBoard.Port == "" {
		errs = append(errs, errors.New("control_board.port is required"))
	}
	if c.TestBoard.Port == "" {
		errs = append(errs, errors.New("test_board.port is required"))
	}
	if c.ControlBoard.Port != "" && c.ControlBoard.Port == c.TestBoard.Port {
		errs = append(errs, fmt.Errorf("control_board.port and test_board.port must differ (both %s)", c.ControlBoard.Port))
	}
	if c.WifiBoard.Enabled() {
		errs = append(errs, c.validateWifiBoard()...)
	}

	durations := map[string]time.Duration{
		"control_board.read_timeout":         c.ControlBoard.ReadTimeout,
		"test_board.read_timeout":            c.TestBoard.ReadTimeout,
		"chamber.ping_interval":              c.Chamber.PingInterval,
		"chamber.silence_timeout":            c.Chamber.SilenceTimeout,
		"chamber.cable_timeout":              c.Chamber.CableTimeout,
		"chamber.watchdog_interval":          c.Chamber.WatchdogInterval,
		"chamber.emergency_realert":          c.Chamber.EmergencyRealert,
		"chamber.minute":                     c.Chamber.Minute,
		"test_board_watch.silence_timeout":   c.TestBoardWatch.SilenceTimeout,
		"test_board_watch.watchdog_interval": c.TestBoardWatch.WatchdogInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if c.Chamber.CableTimeout >= c.Chamber.SilenceTimeout {
		errs = append(errs, errors.New("chamber.cable_timeout must be shorter than chamber.silence_timeout"))
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

func (c *Config) validateWifiBoard() []error {
	var errs []error
	b := c.WifiBoard

	switch b.Port {
	case c.ControlBoard.Port:
		errs = append(errs, fmt.Errorf("wifi_board.port and control_board.port must differ (both %s)", b.Port))
	case c.TestBoard.Port:
		errs = append(errs, fmt.Errorf("wifi_board.port and test_board.port must differ (both %s)", b.Port))
	}

	switch b.Name {
	case "":
		errs = append(errs, errors.New("wifi_board.name is required"))
	case "testboard", "chamber", "system":
		errs = append(errs, fmt.Errorf("wifi_board.name %q is reserved", b.Name))
	}

	if b.ReadTimeout <= 0 {
		errs = append(errs, errors.New("wifi_board.read_timeout must be positive"))
	}
	return errs
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
