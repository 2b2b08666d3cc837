package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения, переопределяющих ключи файла
const EnvPrefix = "SERIAL_BRIDGE"

// DefaultPath путь к файлу настроек по умолчанию
const DefaultPath = "config/config.json"

// Settings неизменяемые настройки процесса. Имена ключей совпадают с
// существующими файлами config.json на устройствах.
type Settings struct {
	SerialPort      string `mapstructure:"puerto_serial"`
	BaudRate        int    `mapstructure:"baud_rate"`
	CommandType     int    `mapstructure:"tipo_com"`
	RegisterAddress int    `mapstructure:"dir_registro"`

	Serial SerialSettings `mapstructure:"serial"`
	MQTT   MQTTSettings   `mapstructure:"mqtt"`
	Bridge BridgeSettings `mapstructure:"bridge"`
	Log    LogSettings    `mapstructure:"log"`
}

type SerialSettings struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// MQTTSettings параметры подключения к брокеру
type MQTTSettings struct {
	Server         string        `mapstructure:"server"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"`
	Topic          string        `mapstructure:"topic"`      // Топик входящих команд
	DataTopic      string        `mapstructure:"data_topic"` // Пустой - данные с порта не публикуются
	QoS            int           `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Broker возвращает адрес брокера в формате paho, например "tcp://localhost:1883"
func (m MQTTSettings) Broker() string {
	return "tcp://" + net.JoinHostPort(m.Server, strconv.Itoa(m.Port))
}

type BridgeSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

type LogSettings struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// ConfigError фатальная ошибка загрузки настроек
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// durationKeys ключи, которые задаются строкой длительности, например "5s"
var durationKeys = []string{
	"serial.read_timeout",
	"mqtt.keep_alive",
	"mqtt.connect_timeout",
	"bridge.poll_interval",
	"bridge.stop_timeout",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tipo_com", 1)
	v.SetDefault("dir_registro", 0)
	v.SetDefault("serial.read_timeout", time.Second)
	v.SetDefault("mqtt.server", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic", "/Write")
	v.SetDefault("mqtt.data_topic", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("bridge.poll_interval", 100*time.Millisecond)
	v.SetDefault("bridge.stop_timeout", 5*time.Second)
	v.SetDefault("log.file", "logs/servicio_lestoma.log")
	v.SetDefault("log.level", "info")
}

// Load читает файл настроек, применяет значения по умолчанию и
// переменные окружения SERIAL_BRIDGE_*. Любая ошибка - *ConfigError.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// У обязательных ключей нет значений по умолчанию, поэтому AutomaticEnv их не видит
	_ = v.BindEnv("puerto_serial")
	_ = v.BindEnv("baud_rate")

	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("error reading config file: %w", err)}
	}

	if err := checkDurations(v); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("error unmarshaling config: %w", err)}
	}

	if s.MQTT.ClientID == "" {
		s.MQTT.ClientID = generateClientID()
	}

	if err := s.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return &s, nil
}

// Validate проверяет поля, без которых мост не может открыть порт
func (s *Settings) Validate() error {
	var errs []error
	if s.SerialPort == "" {
		errs = append(errs, errors.New("puerto_serial is required"))
	}
	if s.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud_rate must be positive, got %d", s.BaudRate))
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", s.MQTT.QoS))
	}
	if s.Serial.ReadTimeout <= 0 {
		errs = append(errs, errors.New("serial.read_timeout must be positive"))
	}
	if s.Bridge.StopTimeout <= 0 {
		errs = append(errs, errors.New("bridge.stop_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// checkDurations отклоняет числа в ключах длительности: mapstructure
// прочитал бы 5 как 5ns.
func checkDurations(v *viper.Viper) error {
	var errs []error
	for _, key := range durationKeys {
		switch value := v.Get(key).(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			errs = append(errs, fmt.Errorf("%s must be a duration string such as \"5s\", got number %v", key, value))
		}
	}
	return errors.Join(errs...)
}

func generateClientID() string {
	return "serial-bridge-" + uuid.NewString()[:8]
}
