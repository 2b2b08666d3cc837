package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"serial-bridge/common"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
)

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Broker         string        // Адрес брокера, например "tcp://localhost:1883"
	Username       string        // Имя пользователя (опционально)
	Password       string        // Пароль (опционально)
	ClientID       string        // ID клиента
	Topic          string        // Фиксированный топик входящих команд
	QoS            byte          // Quality of Service (0, 1, 2)
	KeepAlive      time.Duration // Интервал keep alive
	ConnectTimeout time.Duration // Таймаут подключения и подписки
	AutoReconnect  bool          // Переподключение после потери уже установленного соединения
	BufferSize     int           // Емкость канала входящих сообщений
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "serial-bridge",
		Topic:          "/Write",
		QoS:            0,
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		BufferSize:     16,
	}
}

// ConnectError брокер недоступен или отклонил подключение
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to MQTT broker %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

var errNotConnected = errors.New("MQTT client not connected")

// Client сессия с брокером. Входящие сообщения фиксированного топика
// доставляются в канал Messages в порядке поступления.
type Client struct {
	config    Config
	newClient func(*mqttLib.ClientOptions) mqttLib.Client
	messages  chan common.InboundMessage
	logger    *slog.Logger

	mu         sync.Mutex
	mqttClient mqttLib.Client
	done       chan struct{} // Закрыт, пока клиент отключен
}

// NewClient создает MQTT клиента. Подключение - в Connect.
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}
	done := make(chan struct{})
	close(done)
	return &Client{
		config:    config,
		newClient: mqttLib.NewClient,
		messages:  make(chan common.InboundMessage, config.BufferSize),
		logger:    logger,
		done:      done,
	}
}

// Messages канал входящих сообщений. Канал не закрывается.
func (c *Client) Messages() <-chan common.InboundMessage {
	return c.messages
}

// Connect подключается к брокеру один раз, без повторных попыток.
// Подписка на топик выполняется в обработчике подключения, поэтому
// восстанавливается после автоматического переподключения paho.
func (c *Client) Connect() error {
	c.logger.Info("connecting to MQTT broker", "broker", c.config.Broker)

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info("MQTT authentication: ENABLED")
	} else {
		c.logger.Info("MQTT authentication: DISABLED (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	client := c.newClient(opts)

	c.mu.Lock()
	c.mqttClient = client
	c.done = make(chan struct{})
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		c.Disconnect()
		return &ConnectError{Broker: c.config.Broker, Err: fmt.Errorf("timeout after %s", c.config.ConnectTimeout)}
	}
	if err := token.Error(); err != nil {
		c.Disconnect()
		return &ConnectError{Broker: c.config.Broker, Err: err}
	}

	return nil
}

// Disconnect отключает клиента. Безопасен без предшествующего Connect и при
// повторном вызове. Прерывает незавершенное подключение и автоматическое
// переподключение paho.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.mqttClient
	c.mqttClient = nil
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()

	if client == nil {
		return
	}
	client.Disconnect(250)
	c.logger.Info("MQTT client disconnected")
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// Publish публикует payload в топик с QoS из конфигурации
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return errNotConnected
	}

	token := client.Publish(topic, c.config.QoS, false, payload)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("publish to topic %s: timeout after %s", topic, c.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// onConnectHandler вызывается при каждом успешном подключении к брокеру
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info("connected to MQTT broker")

	token := client.Subscribe(c.config.Topic, c.config.QoS, c.onMessage)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		c.logger.Error("subscribe timed out", "topic", c.config.Topic)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("failed to subscribe", "topic", c.config.Topic, "error", err)
		return
	}
	c.logger.Info("subscribed to command topic", "topic", c.config.Topic)
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Warn("MQTT connection lost", "error", err)
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Info("attempting to reconnect to MQTT broker")
}

// onMessage передает сообщение в канал. Блокируется, пока потребитель не
// заберет сообщение или клиент не будет отключен.
func (c *Client) onMessage(client mqttLib.Client, msg mqttLib.Message) {
	in := common.InboundMessage{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		Timestamp: time.Now(),
	}
	c.logger.Info("message received", "topic", in.Topic, "payload", string(in.Payload))

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case c.messages <- in:
	case <-done:
		c.logger.Warn("client disconnected, dropping message", "topic", in.Topic)
	}
}
