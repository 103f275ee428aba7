package types

import (
	"encoding/json"
	"strings"
)

// Device is a container device definition as the host reports it. Proxy
// devices carry `type`, `listen` and `connect` entries.
type Device map[string]string

// Service describes a public route exposed for an instance (terminal,
// editor, desktop). Filled in by the proxy configurator.
type Service struct {
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
	Address     string `json:"address"`
}

// Instance is the wire projection of a container as it travels inside an
// Environment.
type Instance struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Status   string            `json:"status,omitempty"`
	Control  bool              `json:"control,omitempty"`
	Location string            `json:"location,omitempty"`
	Template string            `json:"template,omitempty"`
	Devices  map[string]Device `json:"devices,omitempty"`
	Config   map[string]string `json:"config,omitempty"`
	Services []Service         `json:"services,omitempty"`
}

// ListenAddress returns the `<address>:<port>` part of the named proxy
// device's listen string, or "" when the device is missing or not tcp.
func (i *Instance) ListenAddress(name string) string {
	dev, ok := i.Devices[name]
	if !ok {
		return ""
	}
	listen := dev["listen"]
	if !strings.HasPrefix(listen, "tcp:") {
		return ""
	}
	return strings.SplitN(listen, ":", 2)[1]
}

// User identifies the workspace owner.
type User struct {
	ID        string      `json:"id"`
	UIDNumber json.Number `json:"uid_number"`
	Username  string      `json:"username"`
}

// Course carries the fields the default template name is composed from.
type Course struct {
	Subject       string `json:"subject,omitempty"`
	CatalogNumber string `json:"catalog_number,omitempty"`
	Semester      string `json:"semester,omitempty"`
}

// Environment is the root document carried by create and creation-event
// messages.
type Environment struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Instance *Instance `json:"instance"`
	User     *User     `json:"user"`
	Course   *Course   `json:"course,omitempty"`
}

// CreateMessage is the body of `create`, `instance-creation` and
// `environment-creation` messages.
type CreateMessage struct {
	Environment *Environment `json:"environment"`
}

// Operation names an instance operation.
type Operation string

const (
	OperationStart   Operation = "start"
	OperationStop    Operation = "stop"
	OperationRestart Operation = "restart"
	OperationStatus  Operation = "status"
	OperationCommand Operation = "command"
)

// OperationMessage is the body of an `operation` message.
type OperationMessage struct {
	Username  string    `json:"username"`
	Instance  string    `json:"instance"`
	Operation Operation `json:"operation"`
}

// EnvironmentStatus is the environment reference inside an InstanceStatus.
type EnvironmentStatus struct {
	ID string `json:"id"`
}

// InstanceStatus is the reply body of an operation request.
type InstanceStatus struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Environment EnvironmentStatus `json:"environment"`
}

// ErrorReply is the body of an `error` reply.
type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
