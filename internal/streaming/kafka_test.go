package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskflow/internal/events"
)

type MockKafkaWriter struct{ mock.Mock }

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockKafkaWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestKafkaSink_Put(t *testing.T) {
	writer := new(MockKafkaWriter)
	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != "root-1" {
			return false
		}
		var ev events.Event
		if err := json.Unmarshal(msgs[0].Value, &ev); err != nil {
			return false
		}
		return ev.Type == events.TypeTaskCompleted && ev.TaskID == "task-1" && ev.Result["ok"] == true
	})).Return(nil).Once()
	writer.On("Close").Return(nil).Once()

	sink := NewKafkaSink(writer)
	err := sink.Put(context.Background(), events.Event{
		Type:   events.TypeTaskCompleted,
		RootID: "root-1",
		TaskID: "task-1",
		Result: map[string]any{"ok": true},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	writer.AssertExpectations(t)
}

func TestKafkaSink_KeyFallsBackToTaskID(t *testing.T) {
	writer := new(MockKafkaWriter)
	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && string(msgs[0].Key) == "task-9"
	})).Return(nil).Once()

	err := NewKafkaSink(writer).Put(context.Background(), events.Event{Type: events.TypeTaskStart, TaskID: "task-9"})
	assert.NoError(t, err)
	writer.AssertExpectations(t)
}

func TestKafkaSink_WriteError(t *testing.T) {
	writer := new(MockKafkaWriter)
	writer.On("WriteMessages", mock.Anything, mock.AnythingOfType("[]kafka.Message")).Return(errors.New("broker down"))

	err := NewKafkaSink(writer).Put(context.Background(), events.Event{Type: events.TypeTaskStart, TaskID: "t"})
	assert.ErrorContains(t, err, "broker down")
}

func TestKafkaSink_ThroughReporter(t *testing.T) {
	writer := new(MockKafkaWriter)
	writer.On("WriteMessages", mock.Anything, mock.AnythingOfType("[]kafka.Message")).Return(nil).Times(3)

	r := NewReporter(NewKafkaSink(writer))
	for _, typ := range []events.Type{events.TypeTaskStart, events.TypeTaskCompleted, events.TypeFinal} {
		r.SendUpdate(events.Event{Type: typ, RootID: "root", TaskID: "t"})
	}
	r.Close()

	writer.AssertExpectations(t)
	assert.Equal(t, uint64(3), r.Stats().Delivered)
}

func TestNewKafkaWriter_DefaultTopic(t *testing.T) {
	w := NewKafkaWriter("localhost:9092", "")
	defer w.Close()
	assert.Equal(t, DefaultEventsTopic, w.Topic)
}
