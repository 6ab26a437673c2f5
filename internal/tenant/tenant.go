// Package tenant models the organizations whose clients connect to the
// daemon. Each tenant owns a set of hashed session tokens.
package tenant

// Tenant is one configured organization.
type Tenant struct {
	ID          string
	Name        string
	TokenHashes []string
}
