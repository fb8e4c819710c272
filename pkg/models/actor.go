package models

// Actor identifies the caller on every storage and manager operation.
// All reads and writes are scoped to the actor's organization.
type Actor struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
}
