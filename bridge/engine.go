// Package bridge связывает шину MQTT и последовательный порт.
//
// Сообщения топика команд переводятся в строки протокола устройства и
// записываются в порт. Строки, прочитанные из порта, передаются в DataHandler.
// Доставка не более одного раза: неудачная команда записывается в лог и
// отбрасывается.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"serial-bridge/command"
	"serial-bridge/common"
)

// SerialSession последовательный порт. Реализации синхронизируют
// операции между собой.
type SerialSession interface {
	Open() error
	ReadLine() (string, error)
	WriteLine(data string) error
	Reconnect() error
	Close() error
}

// BusSession сессия с брокером сообщений
type BusSession interface {
	Connect() error
	Messages() <-chan common.InboundMessage
	Disconnect()
}

// State состояние моста
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrStopTimeout рабочие горутины не завершились за StopTimeout
var ErrStopTimeout = errors.New("bridge workers did not stop in time")

// ErrAlreadyStarted Start вызван для работающего моста
var ErrAlreadyStarted = errors.New("bridge already started")

// Config параметры движка моста
type Config struct {
	Defaults     command.Defaults
	PollInterval time.Duration // Пауза между итерациями цикла чтения
	StopTimeout  time.Duration // Максимальное ожидание завершения горутин в Stop
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Defaults:     command.Defaults{CommandType: 1, RegisterAddress: 0},
		PollInterval: 100 * time.Millisecond,
		StopTimeout:  5 * time.Second,
	}
}

// Engine владеет обеими сессиями и горутинами чтения порта и обработки
// сообщений шины.
type Engine struct {
	config  Config
	serial  SerialSession
	bus     BusSession
	handler DataHandler
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine создает движок. Если handler равен nil, строки порта пишутся в лог.
func NewEngine(config Config, serial SerialSession, bus BusSession, handler DataHandler, logger *slog.Logger) *Engine {
	if handler == nil {
		handler = NewLogHandler(logger)
	}
	return &Engine{
		config:  config,
		serial:  serial,
		bus:     bus,
		handler: handler,
		logger:  logger,
		state:   Stopped,
	}
}

// State возвращает текущее состояние
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start открывает порт и запускает рабочие горутины. Подключение к брокеру
// идет в отдельной горутине параллельно с чтением порта, поэтому Start не
// ждет брокера. Если порт не открылся, мост остается в Stopped и ошибка
// возвращается без повторных попыток. Недоступный брокер только
// записывается в лог: мост работает без шины.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Stopped {
		return ErrAlreadyStarted
	}
	e.state = Starting

	if err := e.serial.Open(); err != nil {
		e.logger.Error("failed to open serial port", "error", err)
		e.state = Stopped
		return err
	}

	e.stopChan = make(chan struct{})

	e.wg.Add(3)
	go e.readLoop(e.stopChan)
	go e.connectBus(e.stopChan)
	go e.dispatchLoop(e.stopChan, e.bus.Messages())

	e.state = Running
	e.logger.Info("bridge started")
	return nil
}

// connectBus подключается к брокеру. Подключение, завершившееся после Stop,
// сразу закрывается.
func (e *Engine) connectBus(stop <-chan struct{}) {
	defer e.wg.Done()

	if err := e.bus.Connect(); err != nil {
		e.logger.Error("MQTT connection failed, continuing without bus", "error", err)
		return
	}

	select {
	case <-stop:
		e.bus.Disconnect()
	default:
	}
}

// Stop останавливает горутины, закрывает порт и отключается от брокера.
// Безопасен при повторном вызове и без успешного Start. Возвращает
// ErrStopTimeout, если горутины не завершились за StopTimeout; ресурсы
// освобождаются в любом случае.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result error
	if e.state == Running {
		e.state = Stopping
		close(e.stopChan)
		// Прерывает подключение к брокеру, если оно еще идет
		e.bus.Disconnect()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(e.config.StopTimeout):
			e.logger.Warn("bridge workers did not stop in time", "timeout", e.config.StopTimeout)
			result = ErrStopTimeout
		}
	}

	if err := e.serial.Close(); err != nil {
		e.logger.Error("error closing serial port", "error", err)
	}
	e.bus.Disconnect()

	if e.state != Stopped {
		e.logger.Info("bridge stopped")
	}
	e.state = Stopped
	return result
}

// readLoop читает строки из порта до остановки. Ошибка чтения приводит к
// одной попытке переподключения; цикл продолжается при любом исходе. После
// сигнала остановки порт не переоткрывается.
func (e *Engine) readLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	e.logger.Info("serial read loop started")

	for {
		select {
		case <-stop:
			e.logger.Info("serial read loop stopped")
			return
		default:
		}

		line, err := e.serial.ReadLine()
		if err != nil {
			select {
			case <-stop:
				e.logger.Info("serial read loop stopped")
				return
			default:
			}
			e.logger.Error("serial read error", "error", err)
			e.reconnectSerial()
		} else if line != "" {
			e.handler.HandleSerialData(line)
		}

		select {
		case <-stop:
			e.logger.Info("serial read loop stopped")
			return
		case <-time.After(e.config.PollInterval):
		}
	}
}

// dispatchLoop обрабатывает сообщения шины в порядке поступления
func (e *Engine) dispatchLoop(stop <-chan struct{}, messages <-chan common.InboundMessage) {
	defer e.wg.Done()

	for {
		select {
		case <-stop:
			return
		case msg := <-messages:
			e.dispatch(msg)
		}
	}
}

// dispatch переводит одно сообщение в команду и пишет ее в порт
func (e *Engine) dispatch(msg common.InboundMessage) {
	req, err := command.Decode(msg.Payload)
	if err != nil {
		e.logger.Error("invalid JSON received from MQTT", "topic", msg.Topic, "error", err)
		return
	}

	cmd, err := command.Translate(req, e.config.Defaults)
	if err != nil {
		e.logger.Error("error processing command", "topic", msg.Topic, "error", err)
		return
	}

	line, err := cmd.Line()
	if err != nil {
		e.logger.Error("error encoding command", "topic", msg.Topic, "error", err)
		return
	}

	if err := e.serial.WriteLine(line); err != nil {
		e.logger.Error("serial write error", "error", err)
		e.reconnectSerial()
	}
}

func (e *Engine) reconnectSerial() {
	if err := e.serial.Reconnect(); err != nil {
		e.logger.Error("error reconnecting serial", "error", err)
	}
}
