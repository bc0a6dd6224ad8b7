package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Parity of a serial line.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// SerialParams are the resolved line parameters of a serial device.
type SerialParams struct {
	Baud     int    `mapstructure:"baud"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   Parity `mapstructure:"-"`
}

// The two meter interface presets: the optical head speaks 9600 7E1, the
// multifunctional interface 9600 8N1.
const (
	PresetOdType = "od_type"
	PresetSdType = "sd_type"
)

type GridConfig struct {
	PowerFactor float64 `mapstructure:"power_factor"`
	Frequency   float64 `mapstructure:"frequency"`
}

type ReconnectDelayConfig struct {
	Min         int  `mapstructure:"min"`
	Max         int  `mapstructure:"max"`
	Exponential bool `mapstructure:"exponential"`
}

type MeterConfig struct {
	Device string `mapstructure:"device"`
	Preset string `mapstructure:"preset"`
	SerialParams   `mapstructure:",squash"`
	ParityName     string               `mapstructure:"parity"`
	Grid           GridConfig           `mapstructure:"grid"`
	ReconnectDelay ReconnectDelayConfig `mapstructure:"reconnect_delay"`
}

type ModbusTCPConfig struct {
	Listen string `mapstructure:"listen"`
	Port   int    `mapstructure:"port"`
}

type ModbusRTUConfig struct {
	Device string `mapstructure:"device"`
	Preset string `mapstructure:"preset"`
	SerialParams `mapstructure:",squash"`
	ParityName   string `mapstructure:"parity"`
}

type ModbusConfig struct {
	TCP *ModbusTCPConfig `mapstructure:"tcp"`
	RTU *ModbusRTUConfig `mapstructure:"rtu"`

	SlaveID        int  `mapstructure:"slave_id"`
	RequestTimeout int  `mapstructure:"request_timeout"`
	IdleTimeout    int  `mapstructure:"idle_timeout"`
	UseFloatModel  bool `mapstructure:"use_float_model"`
}

type MQTTConfig struct {
	Broker    string `mapstructure:"broker"`
	Port      int    `mapstructure:"port"`
	Topic     string `mapstructure:"topic"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	QueueSize int    `mapstructure:"queue_size"`

	ReconnectDelay ReconnectDelayConfig `mapstructure:"reconnect_delay"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
	Port   int    `mapstructure:"port"`
}

type LoggerConfig struct {
	Level        string            `mapstructure:"level"`
	ModuleLevels map[string]string `mapstructure:"modules"`
}

type Config struct {
	Meter  MeterConfig   `mapstructure:"meter"`
	MQTT   MQTTConfig    `mapstructure:"mqtt"`
	Modbus *ModbusConfig `mapstructure:"modbus"`
	HTTP   *HTTPConfig   `mapstructure:"http"`
	Logger LoggerConfig  `mapstructure:"logger"`
}

func (g GridConfig) PowerFactorOrDefault() float64 {
	if g.PowerFactor == 0 {
		return 0.95
	}
	return g.PowerFactor
}

func (g GridConfig) FrequencyOrDefault() float64 {
	if g.Frequency == 0 {
		return 50.0
	}
	return g.Frequency
}

func (r ReconnectDelayConfig) MinDelay() time.Duration {
	return time.Duration(r.Min) * time.Second
}

func (r ReconnectDelayConfig) MaxDelay() time.Duration {
	return time.Duration(r.Max) * time.Second
}

// ParseParity maps the config strings onto a Parity.
func ParseParity(s string) (Parity, error) {
	switch s {
	case "", "none":
		return ParityNone, nil
	case "even":
		return ParityEven, nil
	case "odd":
		return ParityOdd, nil
	default:
		return ParityNone, fmt.Errorf("parity must be one of: none, even, odd (got %q)", s)
	}
}

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

func presetDefaults(preset string) (SerialParams, error) {
	switch preset {
	case PresetOdType:
		return SerialParams{Baud: 9600, DataBits: 7, StopBits: 1, Parity: ParityEven}, nil
	case PresetSdType:
		return SerialParams{Baud: 9600, DataBits: 8, StopBits: 1, Parity: ParityNone}, nil
	default:
		return SerialParams{}, fmt.Errorf("preset must be one of: %s, %s (got %q)", PresetOdType, PresetSdType, preset)
	}
}

// resolveSerial fills in preset defaults, applies explicit overrides on top
// and validates the result.
func resolveSerial(section string, preset, parityName string, explicit SerialParams) (SerialParams, error) {
	params := SerialParams{Baud: 9600, DataBits: 8, StopBits: 1, Parity: ParityNone}

	if preset != "" {
		p, err := presetDefaults(preset)
		if err != nil {
			return params, fmt.Errorf("%s: %w", section, err)
		}
		params = p
	}

	if explicit.Baud != 0 {
		params.Baud = explicit.Baud
	}
	if explicit.DataBits != 0 {
		params.DataBits = explicit.DataBits
	}
	if explicit.StopBits != 0 {
		params.StopBits = explicit.StopBits
	}
	if parityName != "" {
		p, err := ParseParity(parityName)
		if err != nil {
			return params, fmt.Errorf("%s: %w", section, err)
		}
		params.Parity = p
	}

	if params.Baud <= 0 {
		return params, fmt.Errorf("%s.baud must be positive", section)
	}
	if params.DataBits < 5 || params.DataBits > 8 {
		return params, fmt.Errorf("%s.data_bits must be between 5 and 8", section)
	}
	if params.StopBits != 1 && params.StopBits != 2 {
		return params, fmt.Errorf("%s.stop_bits must be 1 or 2", section)
	}
	return params, nil
}

func validateReconnectDelay(section string, r *ReconnectDelayConfig) error {
	if r.Min == 0 {
		r.Min = 5
	}
	if r.Max == 0 {
		r.Max = 365
	}
	if r.Min < 0 {
		return fmt.Errorf("%s.min must be positive", section)
	}
	if r.Max < 0 {
		return fmt.Errorf("%s.max must be positive", section)
	}
	if r.Min >= r.Max {
		return fmt.Errorf("%s.min must be smaller than max", section)
	}
	return nil
}

// Load reads the YAML config file at path and returns a fully validated
// Config. Components downstream never re-validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("obisbridge")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(v); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("meter.device", "/dev/ttyUSB0")
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.queue_size", 1000)
	v.SetDefault("logger.level", "info")
}

// Validate checks every bound and resolves serial presets in place. The
// viper instance is consulted for key presence where a zero value is
// meaningful (modbus.use_float_model).
func (c *Config) Validate(v *viper.Viper) error {
	var err error

	c.Meter.SerialParams, err = resolveSerial("meter", c.Meter.Preset, c.Meter.ParityName, c.Meter.SerialParams)
	if err != nil {
		return err
	}
	if c.Meter.Device == "" {
		return errors.New("meter.device is required")
	}
	pf := c.Meter.Grid.PowerFactorOrDefault()
	if pf <= -1.0 || pf > 1.0 {
		return errors.New("meter.grid.power_factor must be in range (-1.0, 1.0]")
	}
	if c.Meter.Grid.FrequencyOrDefault() <= 0 {
		return errors.New("meter.grid.frequency must be positive")
	}
	if err := validateReconnectDelay("meter.reconnect_delay", &c.Meter.ReconnectDelay); err != nil {
		return err
	}

	if c.MQTT.Topic == "" {
		return errors.New("missing required field: mqtt.topic")
	}
	if strings.HasSuffix(c.MQTT.Topic, "/") {
		c.MQTT.Topic = strings.TrimRight(c.MQTT.Topic, "/")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return errors.New("mqtt.port must be in range 1-65535")
	}
	if c.MQTT.QueueSize < 1 {
		return errors.New("mqtt.queue_size must be greater than zero")
	}
	if err := validateReconnectDelay("mqtt.reconnect_delay", &c.MQTT.ReconnectDelay); err != nil {
		return err
	}

	if c.Modbus != nil {
		if err := c.Modbus.validate(v); err != nil {
			return err
		}
	}

	if c.HTTP != nil {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return errors.New("http.port must be in range 1-65535")
		}
	}

	return nil
}

func (m *ModbusConfig) validate(v *viper.Viper) error {
	if m.TCP == nil && m.RTU == nil {
		return errors.New("config must specify at least one of 'modbus.tcp' or 'modbus.rtu'")
	}
	// TCP takes priority when both are configured
	if m.TCP != nil && m.RTU != nil {
		m.RTU = nil
	}

	if m.TCP != nil {
		if m.TCP.Listen == "" {
			m.TCP.Listen = "0.0.0.0"
		}
		if m.TCP.Port == 0 {
			m.TCP.Port = 502
		}
		if m.TCP.Port < 1 || m.TCP.Port > 65535 {
			return errors.New("modbus.tcp.port must be in range 1-65535")
		}
	}

	if m.RTU != nil {
		if m.RTU.Device == "" {
			m.RTU.Device = "/dev/ttyUSB0"
		}
		params, err := resolveSerial("modbus.rtu", m.RTU.Preset, m.RTU.ParityName, m.RTU.SerialParams)
		if err != nil {
			return err
		}
		m.RTU.SerialParams = params
	}

	if v != nil && !v.IsSet("modbus.use_float_model") {
		return errors.New("missing mandatory 'modbus.use_float_model' key in config")
	}

	if m.SlaveID == 0 {
		m.SlaveID = 1
	}
	if m.SlaveID < 1 || m.SlaveID > 247 {
		return errors.New("modbus.slave_id must be in range 1-247")
	}
	if m.RequestTimeout == 0 {
		m.RequestTimeout = 5
	}
	if m.RequestTimeout < 0 {
		return errors.New("modbus.request_timeout must be positive")
	}
	if m.IdleTimeout == 0 {
		m.IdleTimeout = 60
	}
	if m.IdleTimeout < 0 {
		return errors.New("modbus.idle_timeout must be positive")
	}
	if m.IdleTimeout < m.RequestTimeout {
		return errors.New("modbus.idle_timeout must be >= request_timeout")
	}
	return nil
}

// ParseLogLevel maps the config log level strings onto zap levels. "trace"
// has no zap equivalent and maps to debug.
func ParseLogLevel(s string) zapcore.Level {
	switch s {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "off":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
