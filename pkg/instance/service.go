package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/host"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/metrics"
	"github.com/lxstack/lxmq/pkg/ports"
	"github.com/lxstack/lxmq/pkg/template"
	"github.com/lxstack/lxmq/pkg/types"
)

// Config keys set on created containers and read back by the permission
// check and the operate pipeline.
const (
	UserKey       = "environment.LX_USER"
	InstanceIDKey = "environment.LX_INSTANCE_ID"
	EnvIDKey      = "environment.LX_ENV_ID"
)

// Instance ids: 16 characters from the url-safe alphabet.
const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz-"
	idLength   = 16
)

// Service composes the allocator, the template store and the host driver
// into the create and operate pipelines.
type Service struct {
	driver    host.Driver
	templates *template.Store
	allocator *ports.Allocator
	nodes     map[string]config.Node
	admins    map[string]bool
	logger    zerolog.Logger

	// newID is replaceable in tests
	newID func() (string, error)
}

// NewService wires a Service from its collaborators and the daemon
// configuration (node table and admin set).
func NewService(driver host.Driver, templates *template.Store, allocator *ports.Allocator, cfg *config.Config) *Service {
	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = true
	}
	return &Service{
		driver:    driver,
		templates: templates,
		allocator: allocator,
		nodes:     cfg.Nodes,
		admins:    admins,
		logger:    log.WithComponent("instance"),
		newID: func() (string, error) {
			return gonanoid.Generate(idAlphabet, idLength)
		},
	}
}

// Permission reports whether user may run operation on the named instance:
// admins may, and so may the instance's stored owner. A missing instance is
// a NotFound error regardless of admin status.
func (s *Service) Permission(ctx context.Context, operation, name, user string) (bool, error) {
	_, allowed, err := s.authorize(ctx, operation, name, user)
	return allowed, err
}

func (s *Service) authorize(ctx context.Context, operation, name, user string) (*host.Instance, bool, error) {
	inst, err := s.driver.Get(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if s.admins[user] {
		return inst, true, nil
	}
	s.logger.Debug().Str("operation", operation).Str("instance", name).Str("user", user).
		Msg("Permission check")
	return inst, inst.Config[UserKey] == user, nil
}

// HandleCreate runs the create pipeline for msg on behalf of user and
// returns the enriched environment.
func (s *Service) HandleCreate(ctx context.Context, msg *types.CreateMessage, user string) (*types.Environment, error) {
	env := msg.Environment
	if env == nil || env.Instance == nil || env.User == nil {
		return nil, fault.New(fault.Validation, "create message is missing environment, instance or user")
	}

	// On create there is no stored owner yet; the caller must be creating
	// for themselves unless they are an admin.
	if !s.admins[user] && env.User.Username != user {
		return nil, fault.New(fault.PermissionDenied,
			"user %s may not create an instance for %s", user, env.User.Username)
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance id: %w", err)
	}
	env.Instance.ID = id

	templateName, err := s.resolveTemplate(env)
	if err != nil {
		return nil, err
	}
	tpl, ok := s.templates.Get(templateName)
	if !ok {
		return nil, fault.New(fault.TemplateNotFound, "template %s not found", templateName)
	}

	logger := s.logger.With().Str("instance", env.Instance.Name).
		Str("template", templateName).Str("environment_id", env.ID).Logger()
	logger.Info().Msg("Creating instance")

	var reserved []int
	if tpl.Ports > 0 {
		reserved, err = s.allocator.Reserve(ctx, tpl.Ports)
		if err != nil {
			return nil, err
		}
		if len(reserved) < tpl.Ports {
			s.releasePorts(ctx, reserved)
			return nil, fault.New(fault.ResourceExhausted,
				"requested %d ports, %d free", tpl.Ports, len(reserved))
		}
		logger.Info().Ints("ports", reserved).Msg("Reserved ports")
	}

	renderCtx, err := template.Context(env, reserved)
	if err != nil {
		s.releasePorts(ctx, reserved)
		return nil, fmt.Errorf("failed to build render context: %w", err)
	}

	rendered, err := s.templates.Render(templateName, renderCtx)
	if err != nil {
		s.releasePorts(ctx, reserved)
		return nil, err
	}

	var spec host.Spec
	if err := json.Unmarshal([]byte(rendered), &spec); err != nil {
		s.releasePorts(ctx, reserved)
		return nil, fault.New(fault.TemplateRender,
			"template %s: rendered spec is not valid JSON: %v", templateName, err)
	}

	created, err := s.driver.Create(ctx, spec)
	if err != nil {
		s.releasePorts(ctx, reserved)
		// The host may have left a partial instance behind.
		if name := spec.Name(); name != "" {
			if delErr := s.driver.Delete(context.WithoutCancel(ctx), name); delErr != nil &&
				!fault.Is(delErr, fault.NotFound) {
				logger.Error().Err(delErr).Msg("Failed to delete partial instance")
			}
		}
		return nil, fault.Ensure(err, fault.Driver)
	}

	node, ok := s.nodes[created.Location]
	if !ok {
		s.releasePorts(ctx, reserved)
		logger.Error().Str("location", created.Location).
			Msg("Instance left in place: no node table entry for its location")
		return nil, fault.New(fault.Driver, "no node table entry for location %s", created.Location)
	}

	if err := s.rewriteProxyDevices(ctx, created, node); err != nil {
		s.releasePorts(ctx, reserved)
		logger.Error().Err(err).Msg("Instance left in place: device rewrite failed")
		return nil, fault.Ensure(err, fault.Driver)
	}

	s.runCommands(ctx, created.Name, tpl, renderCtx, logger)

	// The ports now appear on a live instance, so they move from pending
	// to allocated by releasing the pending entries.
	s.releasePorts(ctx, reserved)

	final, err := s.driver.Get(ctx, created.Name)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not re-read instance after create")
		final = created
	}

	env.Instance.Location = node.Name
	env.Instance.Devices = final.Devices
	env.Instance.Status = ""

	metrics.InstancesCreatedTotal.Inc()
	logger.Info().Str("location", node.Name).Msg("Instance created")
	return env, nil
}

// HandleOperation runs the operate pipeline for msg on behalf of user.
func (s *Service) HandleOperation(ctx context.Context, msg *types.OperationMessage, user string) (*types.InstanceStatus, error) {
	// Whitelist before anything touches the driver.
	if msg.Operation != types.OperationRestart && msg.Operation != types.OperationStatus {
		return nil, fault.New(fault.InvalidOperation, "invalid operation %q", msg.Operation)
	}

	inst, allowed, err := s.authorize(ctx, string(msg.Operation), msg.Instance, user)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fault.New(fault.PermissionDenied,
			"user %s may not %s instance %s", user, msg.Operation, msg.Instance)
	}

	if msg.Operation == types.OperationRestart {
		if err := s.driver.Restart(ctx, msg.Instance); err != nil {
			return nil, fault.Ensure(err, fault.Driver)
		}
	}

	state, err := s.driver.State(ctx, msg.Instance)
	if err != nil {
		return nil, fault.Ensure(err, fault.Driver)
	}

	return &types.InstanceStatus{
		ID:     inst.Config[InstanceIDKey],
		Type:   "instance_status",
		Name:   inst.Name,
		Status: state.Status,
		Environment: types.EnvironmentStatus{
			ID: inst.Config[EnvIDKey],
		},
	}, nil
}

// resolveTemplate picks the template name: the explicit one when the
// request carries it, otherwise `{subject}{catalog_number}-{semester}`.
func (s *Service) resolveTemplate(env *types.Environment) (string, error) {
	if env.Instance.Template != "" {
		return env.Instance.Template, nil
	}
	c := env.Course
	if c == nil || c.Subject == "" || c.CatalogNumber == "" || c.Semester == "" {
		return "", fault.New(fault.Validation, "no template name and no complete course to derive one")
	}
	return fmt.Sprintf("%s%s-%s", c.Subject, c.CatalogNumber, c.Semester), nil
}

// rewriteProxyDevices replaces the host part of every tcp proxy device's
// listen address with the node's configured address, then saves once.
func (s *Service) rewriteProxyDevices(ctx context.Context, inst *host.Instance, node config.Node) error {
	for name, dev := range inst.Devices {
		if dev["type"] != "proxy" {
			continue
		}
		listen := dev["listen"]
		if !strings.HasPrefix(listen, "tcp:") {
			continue
		}
		parts := strings.Split(listen, ":")
		if len(parts) != 3 {
			continue
		}
		parts[1] = node.Address
		dev["listen"] = strings.Join(parts, ":")
		if err := s.driver.UpdateDevice(ctx, inst.Name, name, dev); err != nil {
			return err
		}
	}
	return s.driver.Save(ctx, inst)
}

// runCommands renders and executes the template's post-create commands. A
// failed command is logged and never aborts the pipeline.
func (s *Service) runCommands(ctx context.Context, name string, tpl *template.Template, renderCtx map[string]any, logger zerolog.Logger) {
	for _, command := range tpl.Commands {
		argv, err := s.templates.RenderList(command, renderCtx)
		if err != nil {
			logger.Error().Err(err).Strs("command", command).Msg("Failed to render command")
			continue
		}
		result, err := s.driver.Exec(ctx, name, argv)
		if err != nil {
			logger.Error().Err(err).Strs("argv", argv).Msg("Command failed")
			continue
		}
		if result.ExitCode != 0 {
			logger.Warn().Strs("argv", argv).Int("exit_code", result.ExitCode).
				Str("stderr", result.Stderr).Msg("Command exited non-zero")
			continue
		}
		logger.Info().Strs("argv", argv).Msg("Command completed")
	}
}

// releasePorts releases every reserved port. It runs on both the success
// path and every compensation path, detached from the request's
// cancellation so a lost bus session cannot strand a pending port.
func (s *Service) releasePorts(ctx context.Context, reserved []int) {
	if len(reserved) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, p := range reserved {
		if err := s.allocator.ReleasePending(ctx, p); err != nil {
			s.logger.Error().Err(err).Int("port", p).Msg("Failed to release pending port")
		}
	}
}
