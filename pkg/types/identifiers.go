// Package types provides shared types for the message log subsystem
package types

import (
	"fmt"
	"strings"
)

// ObjectType distinguishes member identifiers from subsystem identifiers
type ObjectType string

const (
	ObjectTypeMember    ObjectType = "MEMBER"
	ObjectTypeSubsystem ObjectType = "SUBSYSTEM"
)

// ClientID identifies a member or one of its subsystems
type ClientID struct {
	Instance      string `json:"instance" yaml:"instance"`
	MemberClass   string `json:"member_class" yaml:"member_class"`
	MemberCode    string `json:"member_code" yaml:"member_code"`
	SubsystemCode string `json:"subsystem_code,omitempty" yaml:"subsystem_code,omitempty"`
}

// ObjectType returns SUBSYSTEM when a subsystem code is present
func (c ClientID) ObjectType() ObjectType {
	if c.SubsystemCode != "" {
		return ObjectTypeSubsystem
	}
	return ObjectTypeMember
}

// MemberID returns the owning member identifier (subsystem stripped)
func (c ClientID) MemberID() ClientID {
	return ClientID{
		Instance:    c.Instance,
		MemberClass: c.MemberClass,
		MemberCode:  c.MemberCode,
	}
}

// IsZero reports whether no identifying part is set
func (c ClientID) IsZero() bool {
	return c == ClientID{}
}

// Path returns the slash separated form, e.g. "EE/GOV/1234/MANAGEMENT"
func (c ClientID) Path() string {
	parts := []string{c.Instance, c.MemberClass, c.MemberCode}
	if c.SubsystemCode != "" {
		parts = append(parts, c.SubsystemCode)
	}
	return strings.Join(parts, "/")
}

// String implements fmt.Stringer
func (c ClientID) String() string {
	return fmt.Sprintf("%s:%s", c.ObjectType(), c.Path())
}

// ParseClientID parses "instance/class/code[/subsystem]", optionally prefixed
// with the object type ("SUBSYSTEM:" or "MEMBER:")
func ParseClientID(s string) (ClientID, error) {
	raw := strings.TrimSpace(s)
	if idx := strings.Index(raw, ":"); idx >= 0 {
		raw = raw[idx+1:]
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return ClientID{}, fmt.Errorf("invalid client identifier %q: expected instance/class/code[/subsystem]", s)
	}
	for _, p := range parts {
		if p == "" {
			return ClientID{}, fmt.Errorf("invalid client identifier %q: empty component", s)
		}
	}

	id := ClientID{Instance: parts[0], MemberClass: parts[1], MemberCode: parts[2]}
	if len(parts) == 4 {
		id.SubsystemCode = parts[3]
	}
	return id, nil
}

// ServiceID identifies a service offered by a provider subsystem
type ServiceID struct {
	Provider       ClientID `json:"provider"`
	ServiceCode    string   `json:"service_code"`
	ServiceVersion string   `json:"service_version,omitempty"`
}

// String implements fmt.Stringer
func (s ServiceID) String() string {
	v := s.Provider.Path() + "/" + s.ServiceCode
	if s.ServiceVersion != "" {
		v += "/" + s.ServiceVersion
	}
	return "SERVICE:" + v
}
