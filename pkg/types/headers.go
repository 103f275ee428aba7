package types

import (
	"fmt"
	"strings"

	"github.com/lxstack/lxmq/pkg/fault"
)

// MessageType is the value of the x-type header.
type MessageType string

const (
	MessageCreate              MessageType = "create"
	MessageOperation           MessageType = "operation"
	MessageCommand             MessageType = "command"
	MessageError               MessageType = "error"
	MessageResponse            MessageType = "response"
	MessageInstanceCreation    MessageType = "instance-creation"
	MessageEnvironmentCreation MessageType = "environment-creation"
)

// JSONContentType is the only content type the consumers accept.
const JSONContentType = "application/json"

const (
	HeaderType        = "x-type"
	HeaderUser        = "x-user"
	HeaderSource      = "x-source"
	HeaderApplication = "x-application"
)

// MessageHeaders is the parsed envelope header set.
type MessageHeaders struct {
	Type        MessageType
	User        string
	Source      string
	Application string
}

var validTypes = map[MessageType]bool{
	MessageCreate:              true,
	MessageOperation:           true,
	MessageCommand:             true,
	MessageError:               true,
	MessageResponse:            true,
	MessageInstanceCreation:    true,
	MessageEnvironmentCreation: true,
}

// ParseHeaders builds MessageHeaders from a raw delivery header table.
// Header names are matched case-insensitively; all four headers are
// required and x-type must name a known message type.
func ParseHeaders(table map[string]any) (*MessageHeaders, error) {
	get := func(name string) (string, error) {
		for k, v := range table {
			if !strings.EqualFold(k, name) {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return "", fault.New(fault.Validation, "header %s is not a string", name)
			}
			return s, nil
		}
		return "", fault.New(fault.Validation, "missing header %s", name)
	}

	typ, err := get(HeaderType)
	if err != nil {
		return nil, err
	}
	user, err := get(HeaderUser)
	if err != nil {
		return nil, err
	}
	source, err := get(HeaderSource)
	if err != nil {
		return nil, err
	}
	app, err := get(HeaderApplication)
	if err != nil {
		return nil, err
	}

	mt := MessageType(typ)
	if !validTypes[mt] {
		return nil, fault.New(fault.Validation, "unknown message type %q", typ)
	}

	return &MessageHeaders{
		Type:        mt,
		User:        user,
		Source:      source,
		Application: app,
	}, nil
}

// Table serializes the headers back to a delivery header table.
func (h *MessageHeaders) Table() map[string]any {
	return map[string]any{
		HeaderType:        string(h.Type),
		HeaderUser:        h.User,
		HeaderSource:      h.Source,
		HeaderApplication: h.Application,
	}
}

func (h *MessageHeaders) String() string {
	return fmt.Sprintf("type=%s user=%s source=%s application=%s",
		h.Type, h.User, h.Source, h.Application)
}
