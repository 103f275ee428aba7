package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lxstack/lxmq/pkg/bus"
	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/metrics"
	"github.com/lxstack/lxmq/pkg/types"
)

// VhostTemplate is the file the site configuration is rendered from,
// relative to the proxy template directory.
const VhostTemplate = "simple-apache2.conf.j2"

// The route names a simple environment exposes.
const (
	ServiceTerminal = "ttyd"
	ServiceVSCode   = "vscode"
	ServiceDesktop  = "novnc"
)

// Configurator consumes instance-creation events and turns each simple
// environment into a reverse-proxy site: public service routes on the
// environment document, a rendered vhost file, and a proxy reload. The
// enriched document is re-published as environment-creation.
type Configurator struct {
	cfg       config.Proxy
	recordKey string
	exchange  string
	tpl       *pongo2.Template
	reload    func(ctx context.Context) error
	logger    zerolog.Logger
}

// NewConfigurator loads the vhost template and prepares the configurator.
// recordKey is the routing key environment-creation events are published
// under.
func NewConfigurator(cfg config.Proxy, exchange, recordKey string) (*Configurator, error) {
	tpl, err := pongo2.FromFile(filepath.Join(cfg.TemplateDir, VhostTemplate))
	if err != nil {
		return nil, fmt.Errorf("failed to load vhost template: %w", err)
	}
	c := &Configurator{
		cfg:       cfg,
		recordKey: recordKey,
		exchange:  exchange,
		tpl:       tpl,
		logger:    log.WithComponent("proxy"),
	}
	c.reload = c.runReload
	return c, nil
}

// OnDelivery processes one instance-creation delivery. Failures are logged
// and the delivery is acked either way; the event stream has no reply
// channel to report into.
func (c *Configurator) OnDelivery(ctx context.Context, pub bus.Publisher, d amqp.Delivery) {
	result := "ok"
	defer func() {
		metrics.DeliveriesTotal.WithLabelValues(string(types.MessageInstanceCreation), result).Inc()
		if err := d.Ack(false); err != nil {
			c.logger.Error().Err(err).Msg("Failed to ack delivery")
		}
	}()

	headers, err := types.ParseHeaders(map[string]any(d.Headers))
	if err != nil {
		result = "error"
		c.logger.Error().Err(err).Msg("Dropping event with bad headers")
		return
	}
	if headers.Type != types.MessageInstanceCreation {
		c.logger.Debug().Str("type", string(headers.Type)).Msg("Ignoring event")
		return
	}

	env, err := decodeEnvironment(d.Body)
	if err != nil {
		result = "error"
		c.logger.Error().Err(err).Msg("Dropping undecodable event")
		return
	}
	if env.Type != "simple" {
		c.logger.Debug().Str("environment", env.ID).Str("type", env.Type).Msg("Ignoring environment type")
		return
	}

	if err := c.Configure(ctx, env); err != nil {
		result = "error"
		c.logger.Error().Err(err).Str("environment", env.ID).Msg("Failed to configure proxy")
		return
	}

	body, err := encodeEnvironment(env)
	if err != nil {
		result = "error"
		c.logger.Error().Err(err).Msg("Failed to encode environment")
		return
	}
	event := &types.MessageHeaders{
		Type:        types.MessageEnvironmentCreation,
		User:        headers.User,
		Source:      c.recordKey,
		Application: headers.Application,
	}
	if err := pub.Publish(c.exchange, c.recordKey, event, uuid.NewString(), body); err != nil {
		result = "error"
		c.logger.Error().Err(err).Msg("Failed to publish environment-creation event")
	}
}

// Configure builds the public routes for env, writes its vhost file and
// reloads the proxy. On success env carries the service list and its
// instance is marked controlled.
func (c *Configurator) Configure(ctx context.Context, env *types.Environment) error {
	if env.Instance == nil || env.User == nil {
		return fault.New(fault.Validation, "environment %s is incomplete", env.ID)
	}

	ttyd := env.Instance.ListenAddress(ServiceTerminal)
	vscode := env.Instance.ListenAddress(ServiceVSCode)
	novnc := env.Instance.ListenAddress(ServiceDesktop)

	base := strings.TrimSuffix(c.cfg.HTTPSEndpoint, "/")
	env.Instance.Services = []types.Service{
		{DisplayName: "Terminal", Name: ServiceTerminal,
			Address: fmt.Sprintf("%s/%s/ttyd/", base, env.ID)},
		{DisplayName: "Visual Studio Code", Name: ServiceVSCode,
			Address: fmt.Sprintf("%s/%s/vscode/", base, env.ID)},
		{DisplayName: "Desktop", Name: ServiceDesktop,
			Address: fmt.Sprintf("%s/%s/novnc/vnc.html?path=%s/novnc/websockify&autoconnect=true&resize=remote&quality=8&compression=2", base, env.ID, env.ID)},
	}

	rendered, err := c.tpl.Execute(pongo2.Context{
		"env_id":         env.ID,
		"ttyd_address":   ttyd,
		"vscode_address": vscode,
		"novnc_address":  novnc,
		"username":       env.User.Username,
	})
	if err != nil {
		return fault.Wrap(fault.TemplateRender, err, "failed to render vhost for %s", env.ID)
	}

	path := filepath.Join(c.cfg.ConfDir, env.ID+".conf")
	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return fmt.Errorf("failed to write vhost: %w", err)
	}
	c.logger.Info().Str("environment", env.ID).Str("path", path).Msg("Wrote vhost")

	if err := c.reload(ctx); err != nil {
		return fmt.Errorf("failed to reload proxy: %w", err)
	}

	env.Instance.Control = true
	return nil
}

// Run consumes instance-creation events until ctx is done.
func (c *Configurator) Run(ctx context.Context, cfg bus.Config) error {
	return bus.NewConsumer(cfg, c.OnDelivery).Run(ctx)
}

func decodeEnvironment(body []byte) (*types.Environment, error) {
	var msg types.CreateMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "malformed event body")
	}
	if msg.Environment == nil {
		return nil, fault.New(fault.Validation, "event carries no environment")
	}
	return msg.Environment, nil
}

func encodeEnvironment(env *types.Environment) ([]byte, error) {
	return json.Marshal(types.CreateMessage{Environment: env})
}

func (c *Configurator) runReload(ctx context.Context) error {
	if c.cfg.ReloadCommand == "" {
		return nil
	}
	argv := strings.Fields(c.cfg.ReloadCommand)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.cfg.ReloadCommand, err, strings.TrimSpace(string(out)))
	}
	return nil
}
