package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	tarm "github.com/tarm/serial"
	"golang.org/x/sys/unix"
)

// Config параметры последовательного порта
type Config struct {
	Port        string        // Путь к устройству, например "/dev/ttyUSB0"
	BaudRate    int           // Скорость
	ReadTimeout time.Duration // Таймаут на чтение строки
}

// State состояние соединения с портом
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNotOpen порт закрыт или не был открыт
var ErrNotOpen = errors.New("serial port is not open")

// OpenError порт не удалось открыть
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Port, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// IOError ошибка чтения или записи на открытом порту
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("serial %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Opener открывает устройство. Подменяется в тестах.
type Opener func(cfg Config) (io.ReadWriteCloser, error)

// OpenPort открывает устройство через tarm/serial. Чтение возвращает io.EOF,
// если за ReadTimeout не пришло ни одного байта. После отключения устройства
// чтение возвращает io.EOF сразу.
func OpenPort(cfg Config) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(cfg.Port); os.IsNotExist(err) {
		return nil, fmt.Errorf("device %s does not exist", cfg.Port)
	}
	if err := unix.Access(cfg.Port, unix.R_OK|unix.W_OK); err != nil {
		return nil, fmt.Errorf("no read/write access to %s: %w", cfg.Port, err)
	}
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

const readChunk = 256

// Session владеет дескриптором порта. Один мьютекс защищает open, read,
// write, reconnect и close: запись никогда не попадает между закрытием и
// повторным открытием порта.
type Session struct {
	config Config
	open   Opener
	logger *slog.Logger

	mu      sync.Mutex
	port    io.ReadWriteCloser
	state   State
	pending []byte // Принятые байты без завершающего '\n'
	closed  bool   // Закрыт через Close, Reconnect не открывает порт
}

// NewSession создает сессию. Порт не открывается до вызова Open.
func NewSession(config Config, open Opener, logger *slog.Logger) *Session {
	if open == nil {
		open = OpenPort
	}
	return &Session{
		config: config,
		open:   open,
		logger: logger,
	}
}

// State возвращает текущее состояние соединения
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open открывает порт. Уже открытый порт не переоткрывается.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = false
	if s.port != nil {
		return nil
	}
	return s.openLocked()
}

func (s *Session) openLocked() error {
	s.state = Connecting
	s.logger.Info("opening serial port", "port", s.config.Port, "baud_rate", s.config.BaudRate)

	port, err := s.open(s.config)
	if err != nil {
		s.state = Disconnected
		return &OpenError{Port: s.config.Port, Err: err}
	}

	s.port = port
	s.pending = nil
	s.state = Connected
	s.logger.Info("serial port opened", "port", s.config.Port)
	return nil
}

func (s *Session) closeLocked() error {
	if s.port == nil {
		s.state = Disconnected
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.pending = nil
	s.state = Disconnected
	return err
}

// Close закрывает порт. Повторный вызов безопасен.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOpen := s.port != nil
	s.closed = true
	err := s.closeLocked()
	if wasOpen {
		s.logger.Info("serial port closed", "port", s.config.Port)
	}
	return err
}

// Reconnect закрывает текущий дескриптор и открывает порт заново с теми же
// параметрами. При ошибке сессия остается Disconnected; повтор - на
// следующей неудачной операции вызывающей стороны. После Close возвращает
// ErrNotOpen, пока порт не открыт снова через Open.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotOpen
	}

	if err := s.closeLocked(); err != nil {
		s.logger.Warn("error closing serial port before reconnect", "error", err)
	}
	if err := s.openLocked(); err != nil {
		s.logger.Error("serial reconnect failed", "error", err)
		return err
	}
	s.logger.Info("serial reconnected", "port", s.config.Port)
	return nil
}

// ReadLine читает одну строку, ожидая не дольше ReadTimeout. Завершающие
// "\r\n" отбрасываются. Пустая строка означает, что обрабатывать нечего:
// таймаут без полной строки или пустая строка от устройства. Неполная
// строка сохраняется до следующего вызова. Мгновенный io.EOF без данных
// означает, что устройство пропало: возвращается IOError.
func (s *Session) ReadLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return "", ErrNotOpen
	}

	deadline := time.Now().Add(s.config.ReadTimeout)
	buf := make([]byte, readChunk)
	for {
		if line, ok := s.takeLine(); ok {
			return line, nil
		}
		if !time.Now().Before(deadline) {
			return "", nil
		}

		started := time.Now()
		n, err := s.port.Read(buf)
		s.pending = append(s.pending, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// tarm/serial сообщает о таймауте через io.EOF
				if bytes.IndexByte(s.pending, '\n') >= 0 {
					continue
				}
				if n == 0 && time.Since(started) < s.config.ReadTimeout/2 {
					return "", &IOError{Op: "read", Err: io.ErrUnexpectedEOF}
				}
				return "", nil
			}
			return "", &IOError{Op: "read", Err: err}
		}
	}
}

// takeLine извлекает первую полную строку из буфера. Пустые строки
// пропускаются.
func (s *Session) takeLine() (string, bool) {
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			return "", false
		}
		line := bytes.TrimRight(s.pending[:i], "\r")
		s.pending = s.pending[i+1:]
		if len(line) > 0 {
			return string(line), true
		}
	}
}

// WriteLine записывает data с одним завершающим '\n' за один вызов Write
func (s *Session) WriteLine(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return ErrNotOpen
	}

	b := make([]byte, 0, len(data)+1)
	b = append(b, data...)
	b = append(b, '\n')

	n, err := s.port.Write(b)
	if err != nil {
		return &IOError{Op: "write", Err: err}
	}
	if n != len(b) {
		return &IOError{Op: "write", Err: io.ErrShortWrite}
	}
	s.logger.Info("data sent to serial", "data", data)
	return nil
}
