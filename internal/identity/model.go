package identity

import "time"

// DefaultStatus is assigned to new identities whose profile carries no status.
const DefaultStatus = "active"

// ExternalProfile is the canonical profile returned by the identity service.
// Empty strings mean the field was absent.
type ExternalProfile struct {
	CIB             string `json:"cib"`
	GoogleID        string `json:"google_id"`
	Email           string `json:"email"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Status          string `json:"status"`
	StaffPositions  []any  `json:"staff_positions"`
	Departments     []any  `json:"departments"`
	DepartmentTeams []any  `json:"department_teams"`
}

// OAuthClaims are the provider claims used as fallbacks for absent profile fields.
type OAuthClaims struct {
	ID         string
	Email      string
	GivenName  string
	FamilyName string
}

// ProfileData is the organisational payload passed through from the identity service.
type ProfileData struct {
	StaffPositions  []any `json:"staff_positions"`
	Departments     []any `json:"departments"`
	DepartmentTeams []any `json:"department_teams"`
}

// LocalIdentity is the persisted identity record.
type LocalIdentity struct {
	ID                    string
	CIB                   string
	GoogleID              string
	Email                 string
	FirstName             string
	LastName              string
	Status                string
	ProfileData           ProfileData
	LastLoginAt           time.Time
	CredentialPlaceholder string
}

// DisplayName joins the first and last name.
func (localIdentity LocalIdentity) DisplayName() string {
	switch {
	case localIdentity.FirstName == "":
		return localIdentity.LastName
	case localIdentity.LastName == "":
		return localIdentity.FirstName
	default:
		return localIdentity.FirstName + " " + localIdentity.LastName
	}
}

func profileDataFrom(profile ExternalProfile) ProfileData {
	return ProfileData{
		StaffPositions:  nonNilSequence(profile.StaffPositions),
		Departments:     nonNilSequence(profile.Departments),
		DepartmentTeams: nonNilSequence(profile.DepartmentTeams),
	}
}

func nonNilSequence(values []any) []any {
	if values == nil {
		return []any{}
	}
	return values
}
