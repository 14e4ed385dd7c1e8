// Package identity contains domain types for caller identities.
package identity

import "errors"

// ErrNotFound is returned when an external user ID has no registered identity.
var ErrNotFound = errors.New("identity not found")

// Role is the authorization role attached to an identity.
type Role string

const (
	RoleIntern      Role = "intern"
	RoleMarketing   Role = "marketing"
	RoleSales       Role = "sales"
	RoleDataAnalyst Role = "data_analyst"
	RoleAdmin       Role = "admin"
)

// IsValid returns true if the role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleIntern, RoleMarketing, RoleSales, RoleDataAnalyst, RoleAdmin:
		return true
	default:
		return false
	}
}

// Region is the sales territory attached to an identity. Empty for
// non-sales roles.
type Region string

const (
	RegionNA    Region = "NA"
	RegionEMEA  Region = "EMEA"
	RegionAPAC  Region = "APAC"
	RegionLATAM Region = "LATAM"
)

// IsValid returns true if the region is a known territory or empty.
func (g Region) IsValid() bool {
	switch g {
	case "", RegionNA, RegionEMEA, RegionAPAC, RegionLATAM:
		return true
	default:
		return false
	}
}

// Identity is the server-side authoritative record for a caller.
// Role and region are never taken from the request envelope.
type Identity struct {
	// ExternalUserID is the stable ID presented by the chat front-end
	// (e.g. a Slack user ID).
	ExternalUserID string
	// DisplayName is the human-readable name, used in approval prompts.
	DisplayName string
	// Role determines which tools and data the caller may reach.
	Role Role
	// Region scopes row visibility for sales identities.
	Region Region
}

// Validate checks internal consistency. Sales identities must carry a
// region; row filtering has nothing to pin them to otherwise.
func (id *Identity) Validate() error {
	if id.ExternalUserID == "" {
		return errors.New("identity: external user id required")
	}
	if !id.Role.IsValid() {
		return errors.New("identity: unknown role " + string(id.Role))
	}
	if !id.Region.IsValid() {
		return errors.New("identity: unknown region " + string(id.Region))
	}
	if id.Role == RoleSales && id.Region == "" {
		return errors.New("identity: sales identity requires a region")
	}
	return nil
}
