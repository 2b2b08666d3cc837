package common

import "time"

// InboundMessage сообщение, полученное с шины. Живет только на время одной обработки.
type InboundMessage struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time // Время получения
}
