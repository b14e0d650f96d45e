package auth

import "strings"

// Capability is a single permission bit. A role grants a set of them.
type Capability uint32

const (
	CapHealthRead Capability = 1 << iota
	CapIncidentRead
	CapIncidentCreate
	CapIncidentUpdate
	CapIncidentComment
	CapOnCallRead
	CapOnCallUpdate
	CapBillingRead

	capEnd
)

// AllCapabilities is every defined capability.
const AllCapabilities = capEnd - 1

// Built-in role names carried in access token claims.
const (
	RoleViewer            = "Viewer"
	RoleResponder         = "Responder"
	RoleIncidentCommander = "IncidentCommander"
	RoleAdmin             = "Admin"
)

var roleCapabilities = map[string]Capability{
	RoleViewer: CapHealthRead | CapIncidentRead | CapOnCallRead | CapBillingRead,
	RoleResponder: CapHealthRead | CapIncidentRead | CapIncidentCreate | CapIncidentUpdate |
		CapIncidentComment | CapOnCallRead | CapBillingRead,
	RoleIncidentCommander: CapHealthRead | CapIncidentRead | CapIncidentCreate | CapIncidentUpdate |
		CapIncidentComment | CapOnCallRead | CapOnCallUpdate | CapBillingRead,
	RoleAdmin: AllCapabilities,
}

var capabilityNames = map[Capability]string{
	CapHealthRead:      "health:read",
	CapIncidentRead:    "incident:read",
	CapIncidentCreate:  "incident:create",
	CapIncidentUpdate:  "incident:update",
	CapIncidentComment: "incident:comment",
	CapOnCallRead:      "oncall:read",
	CapOnCallUpdate:    "oncall:update",
	CapBillingRead:     "billing:read",
}

// String renders the capability set as comma separated permission names.
func (c Capability) String() string {
	var names []string
	for bit := Capability(1); bit < capEnd; bit <<= 1 {
		if c&bit != 0 {
			names = append(names, capabilityNames[bit])
		}
	}
	return strings.Join(names, ",")
}

// CapabilitiesOf returns the union of the capabilities of roles. Unknown role
// names grant nothing.
func CapabilitiesOf(roles []string) Capability {
	var c Capability
	for _, r := range roles {
		c |= roleCapabilities[r]
	}
	return c
}

// Has reports whether c holds every bit of want. The empty set is never held.
func (c Capability) Has(want Capability) bool {
	return want != 0 && c&want == want
}

// Allows reports whether roles together hold every bit of want.
func Allows(roles []string, want Capability) bool {
	return CapabilitiesOf(roles).Has(want)
}
