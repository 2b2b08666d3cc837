package bridge

import "log/slog"

// DataHandler получает непустые строки, прочитанные из порта. Вызывается из
// горутины чтения, поэтому не должен блокироваться надолго.
type DataHandler interface {
	HandleSerialData(line string)
}

// DataHandlerFunc адаптер функции к DataHandler
type DataHandlerFunc func(line string)

func (f DataHandlerFunc) HandleSerialData(line string) {
	f(line)
}

// LogHandler только пишет полученные данные в лог
type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) HandleSerialData(line string) {
	h.logger.Info("data received from serial", "data", line)
}

// Publisher публикует данные на шину
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// PublishHandler пересылает строку порта в топик шины без изменений
type PublishHandler struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
}

func NewPublishHandler(publisher Publisher, topic string, logger *slog.Logger) *PublishHandler {
	return &PublishHandler{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

func (h *PublishHandler) HandleSerialData(line string) {
	h.logger.Info("data received from serial", "data", line)
	if err := h.publisher.Publish(h.topic, []byte(line)); err != nil {
		h.logger.Error("failed to publish serial data", "topic", h.topic, "error", err)
	}
}
