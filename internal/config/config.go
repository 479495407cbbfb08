package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "NVFANCTL"
	DefaultLogLevel   = LogLevelInfo
	DefaultSocketPath = "/run/nvfanctl.sock"
	DefaultPIDFile    = "/run/nvfanctld.pid"
	DefaultJournalDB  = "/var/lib/nvfanctl/journal.db"
	DefaultListen     = "127.0.0.1:9184"

	configEnvSuffix = "_CONFIG"
)

// DefaultSearchPaths are tried in order when no config file is given.
var DefaultSearchPaths = []string{
	"/etc/nvfanctl/nvfanctl.toml",
	"/etc/nvfanctl.toml",
}

// DefaultCurve is used when the config file defines none.
var DefaultCurve = []curve.Point{
	{Temperature: 40, Speed: 30},
	{Temperature: 60, Speed: 50},
	{Temperature: 80, Speed: 100},
}

type Config struct {
	Interval          time.Duration `mapstructure:"interval"`
	Hysteresis        int           `mapstructure:"hysteresis"`
	MinStep           int           `mapstructure:"min_step"`
	Device            int           `mapstructure:"device"`
	IOTimeout         time.Duration `mapstructure:"io_timeout"`
	Socket            string        `mapstructure:"socket"`
	LogLevel          LogLevel      `mapstructure:"log_level"`
	TemperatureWindow int           `mapstructure:"temperature_window"`
	PIDFile           string        `mapstructure:"pid_file"`
	Curve             []curve.Point `mapstructure:"curve"`
	Metrics           MetricsConfig `mapstructure:"metrics"`
	Journal           JournalConfig `mapstructure:"journal"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// Load reads the config file, environment and command line flags in args, in
// increasing order of precedence, and validates the result.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix, searchPaths: DefaultSearchPaths}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrConfig, err)
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrConfig, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolveConfigFile(fs, o)
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrConfig, err).
				WithMessage(fmt.Sprintf("Failed to read config file %s", path))
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		expandHomeHook(),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, errFactory.Wrap(errors.ErrConfig, err).WithMessage("Failed to decode config")
	}
	cfg.File = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", 2*time.Second)
	v.SetDefault("hysteresis", 3)
	v.SetDefault("min_step", 5)
	v.SetDefault("device", 0)
	v.SetDefault("io_timeout", 500*time.Millisecond)
	v.SetDefault("socket", DefaultSocketPath)
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("temperature_window", 5)
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultListen)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.db_path", DefaultJournalDB)

	points := make([]map[string]any, 0, len(DefaultCurve))
	for _, p := range DefaultCurve {
		points = append(points, map[string]any{"temperature": p.Temperature, "speed": p.Speed})
	}
	v.SetDefault("curve", points)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("nvfanctld", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to the config file")
	fs.Duration("interval", 0, "Control loop interval")
	fs.Int("hysteresis", 0, "Temperature band in °C that must be left before the fan speed changes")
	fs.Int("min-step", 0, "Smallest fan speed change in percent")
	fs.Int("device", 0, "Index of the GPU to control")
	fs.String("socket", "", "Path of the control socket")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.String("pid-file", "", "Path of the PID file")
	fs.Bool("metrics", false, "Serve Prometheus metrics")
	fs.String("metrics-listen", "", "Address for the metrics endpoint")
	fs.Bool("journal", false, "Record control commands in the journal")
	fs.String("journal-db", "", "Path of the journal database")

	return fs
}

// bindFlags maps flag names onto config keys. Unset flags fall through to
// the file and the defaults.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	keys := map[string]string{
		"interval":       "interval",
		"hysteresis":     "hysteresis",
		"min-step":       "min_step",
		"device":         "device",
		"socket":         "socket",
		"log-level":      "log_level",
		"pid-file":       "pid_file",
		"metrics":        "metrics.enabled",
		"metrics-listen": "metrics.listen",
		"journal":        "journal.enabled",
		"journal-db":     "journal.db_path",
	}

	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

// resolveConfigFile picks the flag, then the environment, then the first
// search path that exists. An explicitly named file must exist.
func resolveConfigFile(fs *pflag.FlagSet, o options) (string, error) {
	errFactory := errors.New()

	explicit := o.configPath
	if path, _ := fs.GetString("config"); path != "" {
		explicit = path
	}
	if explicit == "" {
		explicit = os.Getenv(o.envPrefix + configEnvSuffix)
	}

	if explicit != "" {
		path, err := homedir.Expand(explicit)
		if err != nil {
			return "", errFactory.Wrap(errors.ErrConfig, err)
		}
		if _, err := os.Stat(path); err != nil {
			return "", errFactory.Wrap(errors.ErrConfig, err).
				WithMessage(fmt.Sprintf("Failed to read config file %s", path))
		}
		return path, nil
	}

	for _, path := range o.searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", nil
}

// secondsToDurationHook reads bare numbers as seconds, so `interval = 2`
// means two seconds rather than two nanoseconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}

		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// expandHomeHook expands a leading ~ in string values.
func expandHomeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}

		s, _ := data.(string)
		if !strings.HasPrefix(s, "~") {
			return data, nil
		}

		return homedir.Expand(s)
	}
}
