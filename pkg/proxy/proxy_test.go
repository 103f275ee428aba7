package proxy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/types"
)

const testVhost = `<VirtualHost *:443>
    # {{ env_id }} for {{ username }}
    ProxyPass /{{ env_id }}/ttyd/ http://{{ ttyd_address }}/
    ProxyPass /{{ env_id }}/vscode/ http://{{ vscode_address }}/
    ProxyPass /{{ env_id }}/novnc/ http://{{ novnc_address }}/
</VirtualHost>
`

type fakeAcker struct{ acks int }

func (a *fakeAcker) Ack(tag uint64, multiple bool) error           { a.acks++; return nil }
func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (a *fakeAcker) Reject(tag uint64, requeue bool) error         { return nil }

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

func newTestConfigurator(t *testing.T) (*Configurator, string) {
	t.Helper()
	tplDir := t.TempDir()
	confDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, VhostTemplate), []byte(testVhost), 0o644))

	c, err := NewConfigurator(config.Proxy{
		ConfDir:       confDir,
		TemplateDir:   tplDir,
		HTTPSEndpoint: "https://lx.example.edu",
	}, "lx", "lx.db")
	require.NoError(t, err)
	c.reload = func(ctx context.Context) error { return nil }
	return c, confDir
}

func simpleEnvironment() *types.Environment {
	return &types.Environment{
		ID:   "env1",
		Type: "simple",
		Instance: &types.Instance{
			Name: "user0-cs135",
			Devices: map[string]types.Device{
				"ttyd":   {"type": "proxy", "listen": "tcp:10.0.0.5:9000", "connect": "tcp:127.0.0.1:7681"},
				"vscode": {"type": "proxy", "listen": "tcp:10.0.0.5:9001", "connect": "tcp:127.0.0.1:8080"},
				"novnc":  {"type": "proxy", "listen": "tcp:10.0.0.5:9002", "connect": "tcp:127.0.0.1:6080"},
			},
		},
		User: &types.User{ID: "u1", Username: "user0"},
	}
}

func creationDelivery(t *testing.T, acker *fakeAcker, env *types.Environment) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(types.CreateMessage{Environment: env})
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: acker,
		Headers: amqp.Table{
			"x-type":        "instance-creation",
			"x-user":        "lxconsumer",
			"x-source":      "lx.api-queue",
			"x-application": "lxmq",
		},
		ContentType: types.JSONContentType,
		Body:        body,
	}
}

// TestConfigure tests that a simple environment gets service routes, a
// rendered vhost file and the control flag.
func TestConfigure(t *testing.T) {
	c, confDir := newTestConfigurator(t)
	env := simpleEnvironment()

	require.NoError(t, c.Configure(context.Background(), env))

	require.Len(t, env.Instance.Services, 3)
	assert.Equal(t, "Terminal", env.Instance.Services[0].DisplayName)
	assert.Equal(t, "https://lx.example.edu/env1/ttyd/", env.Instance.Services[0].Address)
	assert.Equal(t, "https://lx.example.edu/env1/vscode/", env.Instance.Services[1].Address)
	assert.Contains(t, env.Instance.Services[2].Address, "vnc.html?path=env1/novnc/websockify")
	assert.True(t, env.Instance.Control)

	rendered, err := os.ReadFile(filepath.Join(confDir, "env1.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "ProxyPass /env1/ttyd/ http://10.0.0.5:9000/")
	assert.Contains(t, string(rendered), "http://10.0.0.5:9002/")
	assert.Contains(t, string(rendered), "for user0")
}

// TestConfigureReloadFailure tests that a failed proxy reload aborts the
// configuration.
func TestConfigureReloadFailure(t *testing.T) {
	c, _ := newTestConfigurator(t)
	c.reload = func(ctx context.Context) error { return os.ErrPermission }

	env := simpleEnvironment()
	err := c.Configure(context.Background(), env)
	require.Error(t, err)
	assert.False(t, env.Instance.Control)
}

// TestOnDelivery tests that a creation event produces an
// environment-creation publication carrying the enriched document.
func TestOnDelivery(t *testing.T) {
	c, _ := newTestConfigurator(t)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	c.OnDelivery(context.Background(), pub, creationDelivery(t, acker, simpleEnvironment()))

	assert.Equal(t, 1, acker.acks)
	require.Len(t, pub.messages, 1)
	event := pub.messages[0]
	assert.Equal(t, "lx", event.Exchange)
	assert.Equal(t, "lx.db", event.Key)
	assert.Equal(t, types.MessageEnvironmentCreation, event.Headers.Type)
	assert.NotEmpty(t, event.CorrelationID)

	var msg types.CreateMessage
	require.NoError(t, json.Unmarshal(event.Body, &msg))
	assert.True(t, msg.Environment.Instance.Control)
	assert.Len(t, msg.Environment.Instance.Services, 3)
}

// TestOnDeliveryIgnoresOtherTypes tests that non-simple environments and
// foreign event types are acked without publication.
func TestOnDeliveryIgnoresOtherTypes(t *testing.T) {
	c, confDir := newTestConfigurator(t)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	env := simpleEnvironment()
	env.Type = "cluster"
	c.OnDelivery(context.Background(), pub, creationDelivery(t, acker, env))

	d := creationDelivery(t, acker, simpleEnvironment())
	d.Headers["x-type"] = "environment-creation"
	c.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 2, acker.acks)
	assert.Empty(t, pub.messages)
	entries, err := os.ReadDir(confDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestOnDeliveryBadBody tests that an undecodable event is acked and
// dropped.
func TestOnDeliveryBadBody(t *testing.T) {
	c, _ := newTestConfigurator(t)
	acker := &fakeAcker{}
	pub := &fakePublisher{}

	d := creationDelivery(t, acker, simpleEnvironment())
	d.Body = []byte("{broken")
	c.OnDelivery(context.Background(), pub, d)

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, pub.messages)
}

// TestNewConfiguratorMissingTemplate tests that a missing vhost template
// fails construction.
func TestNewConfiguratorMissingTemplate(t *testing.T) {
	_, err := NewConfigurator(config.Proxy{TemplateDir: t.TempDir()}, "lx", "lx.db")
	require.Error(t, err)
}
