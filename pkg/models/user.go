package models

// Role represents an end-user role
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// PrincipalKind separates end-user credentials from worker credentials
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalWorker PrincipalKind = "worker"
)

// Principal is an authenticated caller
type Principal struct {
	SubjectID string        `json:"subject_id"`
	Role      Role          `json:"role,omitempty"`
	Kind      PrincipalKind `json:"kind"`
}

// User builds an end-user principal
func User(subjectID string, role Role) Principal {
	return Principal{SubjectID: subjectID, Role: role, Kind: PrincipalUser}
}

// Worker builds a worker-identity principal
func Worker(workerID string) Principal {
	return Principal{SubjectID: workerID, Kind: PrincipalWorker}
}

// IsAdmin reports whether the principal is an admin user
func (p Principal) IsAdmin() bool {
	return p.Kind == PrincipalUser && p.Role == RoleAdmin
}

// IsWorker reports whether the principal authenticated with a worker credential
func (p Principal) IsWorker() bool {
	return p.Kind == PrincipalWorker
}

// Owns reports whether the principal is the end user identified by ownerID
func (p Principal) Owns(ownerID string) bool {
	return p.Kind == PrincipalUser && p.SubjectID != "" && p.SubjectID == ownerID
}

// CanManage reports whether the principal may act as owner of a resource owned by ownerID
func (p Principal) CanManage(ownerID string) bool {
	return p.Owns(ownerID) || p.IsAdmin()
}
