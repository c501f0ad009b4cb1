package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"payment-webhook-service/internal/message"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	received []message.OrderStatusChanged
	err      error
	block    chan struct{}
}

func (r *recordingNotifier) Notify(ctx context.Context, msg message.OrderStatusChanged) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func TestDispatcher_DeliversToEveryNotifier(t *testing.T) {
	first, second := &recordingNotifier{}, &recordingNotifier{err: errors.New("unreachable")}
	d := NewDispatcher(4, time.Second, discardLogger(), first, second)

	d.Publish(context.Background(), message.NewOrderStatusChanged(uuid.New(), "pending", "succeeded"))
	d.Wait()

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestDispatcher_SurvivesCanceledRequestContext(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(1, time.Second, discardLogger(), n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Publish(ctx, message.NewOrderStatusChanged(uuid.New(), "", "pending"))
	d.Wait()

	assert.Equal(t, 1, n.count())
}

func TestDispatcher_DropsWhenSaturated(t *testing.T) {
	n := &recordingNotifier{block: make(chan struct{})}
	d := NewDispatcher(1, time.Second, discardLogger(), n)

	d.Publish(context.Background(), message.NewOrderStatusChanged(uuid.New(), "", "pending"))

	done := make(chan struct{})
	go func() {
		d.Publish(context.Background(), message.NewOrderStatusChanged(uuid.New(), "", "pending"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a saturated dispatcher")
	}

	close(n.block)
	d.Wait()
	assert.Equal(t, 1, n.count())
}

type fakeWriter struct {
	messages []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func TestKafkaNotifier_KeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaNotifier{writer: w}

	msg := message.NewOrderStatusChanged(uuid.New(), "succeeded", "refunded")
	require.NoError(t, k.Notify(context.Background(), msg))

	require.Len(t, w.messages, 1)
	assert.Equal(t, msg.OrderID.String(), string(w.messages[0].Key))

	var decoded message.OrderStatusChanged
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, "refunded", decoded.To)
}
