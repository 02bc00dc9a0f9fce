// Package tool defines the data model shared by every stage of the tool
// execution pipeline: descriptors published into the catalog, the calls made
// against them, and the outputs they produce.
package tool

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OriginKind distinguishes local tools from tools served by a provider process.
type OriginKind string

const (
	OriginLocal  OriginKind = "local"
	OriginRemote OriginKind = "remote"
)

// Origin identifies the provider that owns a tool. It is the key for trust
// and anomaly state.
type Origin struct {
	Kind     OriginKind `json:"kind"`
	Provider string     `json:"provider,omitempty"`
}

// LocalOrigin returns the origin of built-in tools.
func LocalOrigin() Origin {
	return Origin{Kind: OriginLocal}
}

// RemoteOrigin returns the origin of tools served by providerID.
func RemoteOrigin(providerID string) Origin {
	return Origin{Kind: OriginRemote, Provider: providerID}
}

// String renders "local" or "remote:<provider_id>".
func (o Origin) String() string {
	if o.Kind == OriginRemote {
		return "remote:" + o.Provider
	}
	return string(OriginLocal)
}

// IsRemote reports whether the origin is a provider process.
func (o Origin) IsRemote() bool {
	return o.Kind == OriginRemote
}

// ParseOrigin parses the String form of an Origin.
func ParseOrigin(s string) (Origin, error) {
	switch {
	case s == string(OriginLocal):
		return LocalOrigin(), nil
	case strings.HasPrefix(s, "remote:") && len(s) > len("remote:"):
		return RemoteOrigin(strings.TrimPrefix(s, "remote:")), nil
	default:
		return Origin{}, fmt.Errorf("invalid tool origin: %q", s)
	}
}

// RiskClass groups tools by the damage they can do. The trust gate maps each
// class to a minimum trust level.
type RiskClass string

const (
	ClassRead    RiskClass = "read"
	ClassWrite   RiskClass = "write"
	ClassExec    RiskClass = "exec"
	ClassNetwork RiskClass = "network"
	ClassRemote  RiskClass = "remote"
)

// AllClasses returns every known risk class.
func AllClasses() []RiskClass {
	return []RiskClass{ClassRead, ClassWrite, ClassExec, ClassNetwork, ClassRemote}
}

// IsValidClass checks if a class name is known.
func IsValidClass(class string) bool {
	for _, c := range AllClasses() {
		if string(c) == strings.ToLower(class) {
			return true
		}
	}
	return false
}

// Descriptor describes one invocable tool. Descriptors are immutable once
// published; re-discovery supersedes them with new values.
type Descriptor struct {
	ProviderID  string          `json:"provider_id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Origin      Origin          `json:"origin"`
	Class       RiskClass       `json:"class"`
}

// QualifiedName is the catalog key: the bare name for local tools and
// "<provider>.<name>" for remote ones.
func (d Descriptor) QualifiedName() string {
	if d.Origin.IsRemote() {
		return d.Origin.Provider + "." + d.Name
	}
	return d.Name
}

// Actor is the identity invoking a tool.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Call is a single invocation attempt. Calls are never reused.
type Call struct {
	ID      string                 `json:"call_id"`
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Actor   Actor                  `json:"actor"`
	Timeout time.Duration          `json:"timeout,omitempty"`
}

// Output is the result of exactly one Call.
type Output struct {
	CallID      string                 `json:"call_id"`
	Success     bool                   `json:"success"`
	Content     string                 `json:"content,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration"`
	BytesBefore int                    `json:"bytes_before"`
	BytesAfter  int                    `json:"bytes_after"`
	Truncated   bool                   `json:"truncated,omitempty"`
	Redactions  int                    `json:"redactions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Size is the payload size used for anomaly statistics.
func (o Output) Size() int {
	return len(o.Content) + len(o.Error)
}
