// Package webhook receives workflow triggers over HTTP (tunnel push) or by
// polling a remote aggregator (pull), authorizes them against registered
// webhook configs, and hands them to the workflow engine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Method restricts which HTTP method may trigger a workflow. MethodAny
// accepts all of them.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
	MethodAny    Method = "ANY"
)

// ParseMethod validates a stored or user-supplied method string.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodAny:
		return m, nil
	default:
		return "", fmt.Errorf("webhook: invalid method %q", s)
	}
}

// Matches reports whether an inbound HTTP method satisfies the restriction.
func (m Method) Matches(httpMethod string) bool {
	return m == MethodAny || string(m) == httpMethod
}

// AuthType selects how inbound triggers authenticate.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthSigned AuthType = "signed"
)

// AuthConfig carries the expected credentials. Secrets live only in process
// memory; persistence keeps the type and drops the values.
type AuthConfig struct {
	Type  AuthType
	User  string
	Pass  string
	Token string
}

// ResponseMode selects what the trigger response contains.
type ResponseMode string

const (
	// ResponseImmediate acknowledges as soon as the engine accepts.
	ResponseImmediate ResponseMode = "immediate"
	// ResponseWait holds the connection until the workflow completes or
	// the wait deadline passes.
	ResponseWait ResponseMode = "wait_for_result"
)

// Config is one workflow's webhook registration.
type Config struct {
	WorkflowID          string
	UserID              string
	Method              Method
	Auth                AuthConfig
	ResponseMode        ResponseMode
	ResponseTemplate    string
	ResponseContentType string
	CreatedAt           time.Time
}

// Trigger is one inbound webhook event, normalized across the push and
// pull paths.
type Trigger struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Method     string          `json:"method"`
	Headers    http.Header     `json:"headers"`
	Query      url.Values      `json:"query"`
	Body       json.RawMessage `json:"body"`
}

// Completion is the workflow engine's terminal answer for one trigger. A
// null Output is a legitimate completion, distinct from failure.
type Completion struct {
	TriggerID string          `json:"trigger_id"`
	Output    json.RawMessage `json:"output"`
	Err       string          `json:"error,omitempty"`
}

// ErrWorkflowNotReady tells the caller the engine cannot take this trigger
// yet. Pull-mode triggers failing this way are left unconfirmed so the
// remote re-delivers them.
var ErrWorkflowNotReady = errors.New("webhook: workflow not ready")

// Engine consumes triggers. Dispatch returns a channel that delivers
// exactly one Completion when the workflow finishes. The channel must be
// buffered: Immediate-mode dispatches abandon it without reading.
type Engine interface {
	Dispatch(ctx context.Context, trig Trigger) (<-chan Completion, error)
}
