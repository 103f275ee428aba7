package bus

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/types"
)

type fakeAcker struct {
	acks  int
	nacks int
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error           { a.acks++; return nil }
func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error { a.nacks++; return nil }
func (a *fakeAcker) Reject(tag uint64, requeue bool) error         { a.nacks++; return nil }

type published struct {
	Exchange      string
	Key           string
	Headers       *types.MessageHeaders
	CorrelationID string
	Body          []byte
}

type fakePublisher struct {
	messages []published
}

func (p *fakePublisher) Publish(exchange, key string, headers *types.MessageHeaders, correlationID string, body []byte) error {
	p.messages = append(p.messages, published{exchange, key, headers, correlationID, body})
	return nil
}

type fakeHandler struct {
	createEnv    *types.Environment
	createErr    error
	createUser   string
	status       *types.InstanceStatus
	operationErr error
}

func (h *fakeHandler) HandleCreate(ctx context.Context, msg *types.CreateMessage, user string) (*types.Environment, error) {
	h.createUser = user
	if h.createErr != nil {
		return nil, h.createErr
	}
	return h.createEnv, nil
}

func (h *fakeHandler) HandleOperation(ctx context.Context, msg *types.OperationMessage, user string) (*types.InstanceStatus, error) {
	if h.operationErr != nil {
		return nil, h.operationErr
	}
	return h.status, nil
}

func newTestAdapter(handler Handler) *Adapter {
	return NewAdapter(Config{
		Exchange:    "lx",
		Queue:       "lx.api-queue",
		Keys:        []string{"lx.api"},
		Application: "lxmq",
		UserID:      "lxconsumer",
	}, "lx.simple", handler)
}

func delivery(t *testing.T, acker *fakeAcker, msgType string, body any) amqp.Delivery {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: acker,
		Headers: amqp.Table{
			"x-type":        msgType,
			"x-user":        "user0",
			"x-source":      "lx.web",
			"x-application": "webapp",
		},
		ContentType:   types.JSONContentType,
		CorrelationId: "corr-1",
		ReplyTo:       "amq.gen-reply",
		UserId:        "user0",
		Body:          raw,
	}
}

// TestOnDeliveryCreate tests that a create request yields one response reply
// plus an instance-creation event, and a single ack.
func TestOnDeliveryCreate(t *testing.T) {
	env := &types.Environment{
		ID:       "env1",
		Type:     "simple",
		Instance: &types.Instance{Name: "user0-cs135"},
		User:     &types.User{Username: "user0"},
	}
	handler := &fakeHandler{createEnv: env}
	adapter := newTestAdapter(handler)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "create", types.CreateMessage{Environment: env})
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, "user0", handler.createUser)
	require.Len(t, pub.messages, 2)

	reply := pub.messages[0]
	assert.Equal(t, "", reply.Exchange)
	assert.Equal(t, "amq.gen-reply", reply.Key)
	assert.Equal(t, "corr-1", reply.CorrelationID)
	assert.Equal(t, types.MessageResponse, reply.Headers.Type)

	var out types.CreateMessage
	require.NoError(t, json.Unmarshal(reply.Body, &out))
	assert.Equal(t, "env1", out.Environment.ID)

	event := pub.messages[1]
	assert.Equal(t, "lx", event.Exchange)
	assert.Equal(t, "lx.simple", event.Key)
	assert.Equal(t, types.MessageInstanceCreation, event.Headers.Type)
	assert.NotEmpty(t, event.CorrelationID)
	assert.NotEqual(t, "corr-1", event.CorrelationID)
}

// TestOnDeliveryOperation tests that an operation request yields a single
// response reply and no event.
func TestOnDeliveryOperation(t *testing.T) {
	handler := &fakeHandler{status: &types.InstanceStatus{
		ID:     "i1",
		Type:   "instance_status",
		Name:   "user0-cs135",
		Status: "Running",
	}}
	adapter := newTestAdapter(handler)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "operation", types.OperationMessage{
		Username:  "user0",
		Instance:  "user0-cs135",
		Operation: types.OperationStatus,
	})
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, types.MessageResponse, pub.messages[0].Headers.Type)

	var status types.InstanceStatus
	require.NoError(t, json.Unmarshal(pub.messages[0].Body, &status))
	assert.Equal(t, "Running", status.Status)
}

// TestOnDeliveryHandlerError tests that a handler failure produces an error
// reply carrying the fault kind, and the delivery is still acked.
func TestOnDeliveryHandlerError(t *testing.T) {
	handler := &fakeHandler{operationErr: fault.New(fault.PermissionDenied, "user user1 does not own instance")}
	adapter := newTestAdapter(handler)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "operation", types.OperationMessage{Operation: types.OperationStatus})
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, types.MessageError, pub.messages[0].Headers.Type)

	var reply types.ErrorReply
	require.NoError(t, json.Unmarshal(pub.messages[0].Body, &reply))
	assert.Equal(t, "PermissionDenied", reply.Type)
	assert.Equal(t, "user user1 does not own instance", reply.Message)
}

// TestOnDeliveryBadHeaders tests that a delivery with a missing envelope
// header is answered with a validation error and acked, not redelivered.
func TestOnDeliveryBadHeaders(t *testing.T) {
	handler := &fakeHandler{}
	adapter := newTestAdapter(handler)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "create", types.CreateMessage{})
	delete(d.Headers, "x-user")
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	require.Len(t, pub.messages, 1)

	var reply types.ErrorReply
	require.NoError(t, json.Unmarshal(pub.messages[0].Body, &reply))
	assert.Equal(t, "ValidationError", reply.Type)
}

// TestOnDeliveryBadContentType tests that a non-JSON content type is
// rejected before dispatch.
func TestOnDeliveryBadContentType(t *testing.T) {
	handler := &fakeHandler{createEnv: &types.Environment{}}
	adapter := newTestAdapter(handler)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "create", types.CreateMessage{})
	d.ContentType = "text/plain"
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, handler.createUser)
	require.Len(t, pub.messages, 1)

	var reply types.ErrorReply
	require.NoError(t, json.Unmarshal(pub.messages[0].Body, &reply))
	assert.Equal(t, "ValidationError", reply.Type)
}

// TestOnDeliveryUnhandledType tests that response-class types arriving on
// the request queue are answered with a validation error.
func TestOnDeliveryUnhandledType(t *testing.T) {
	adapter := newTestAdapter(&fakeHandler{})
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "response", map[string]string{})
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	require.Len(t, pub.messages, 1)

	var reply types.ErrorReply
	require.NoError(t, json.Unmarshal(pub.messages[0].Body, &reply))
	assert.Equal(t, "ValidationError", reply.Type)
}

// TestOnDeliveryMalformedBody tests that an undecodable body is answered
// with a validation error.
func TestOnDeliveryMalformedBody(t *testing.T) {
	adapter := newTestAdapter(&fakeHandler{})
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "create", types.CreateMessage{})
	d.Body = []byte("{not json")
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	require.Len(t, pub.messages, 1)

	var reply types.ErrorReply
	require.NoError(t, json.Unmarshal(pub.messages[0].Body, &reply))
	assert.Equal(t, "ValidationError", reply.Type)
}

// TestOnDeliveryNoReplyTo tests that error replies are dropped when the
// request carried no reply queue.
func TestOnDeliveryNoReplyTo(t *testing.T) {
	handler := &fakeHandler{operationErr: fault.New(fault.NotFound, "no such instance")}
	adapter := newTestAdapter(handler)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := delivery(t, acker, "operation", types.OperationMessage{Operation: types.OperationStatus})
	d.ReplyTo = ""
	adapter.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, pub.messages)
}
