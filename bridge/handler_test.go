package bridge

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, payload []byte) error {
	args := m.Called(topic, payload)
	return args.Error(0)
}

func TestLogHandler(t *testing.T) {
	var logs bytes.Buffer
	h := NewLogHandler(slog.New(slog.NewTextHandler(&logs, nil)))

	h.HandleSerialData("temp=21")

	assert.Contains(t, logs.String(), "data received from serial")
	assert.Contains(t, logs.String(), "temp=21")
}

func TestPublishHandler(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", "/Read", []byte(`{"temp":21}`)).Return(nil)

	h := NewPublishHandler(publisher, "/Read", testLogger())
	h.HandleSerialData(`{"temp":21}`)

	publisher.AssertExpectations(t)
}

func TestPublishHandlerError(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", "/Read", mock.Anything).Return(errors.New("MQTT client not connected"))

	var logs bytes.Buffer
	h := NewPublishHandler(publisher, "/Read", slog.New(slog.NewTextHandler(&logs, nil)))
	h.HandleSerialData("x")

	assert.Contains(t, logs.String(), "failed to publish serial data")
}

func TestDataHandlerFunc(t *testing.T) {
	var got string
	var h DataHandler = DataHandlerFunc(func(line string) { got = line })

	h.HandleSerialData("ok")

	assert.Equal(t, "ok", got)
}
