package users

import "time"

// Auth methods a user record may carry. A record always has at least one and
// can gain the other through an account merge.
const (
	MethodPassword  = "password"
	MethodFederated = "federated"
)

// ValidMethod reports whether method is one of the supported auth methods.
func ValidMethod(method string) bool {
	return method == MethodPassword || method == MethodFederated
}

// UserRecord is the identity record. The relational store owns it; the cache
// in this package holds a shadow copy valid until invalidated.
type UserRecord struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Name         string    `json:"name"`
	AuthMethods  []string  `json:"auth_methods"`
	IsVerified   bool      `json:"is_verified"`
	LoginCount   int64     `json:"login_count"`
	LastSession  time.Time `json:"last_session"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasMethod reports whether the record has the given auth method enabled.
func (u *UserRecord) HasMethod(method string) bool {
	for _, m := range u.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// AddMethod enables an auth method if it is not already present.
func (u *UserRecord) AddMethod(method string) {
	if !u.HasMethod(method) {
		u.AuthMethods = append(u.AuthMethods, method)
	}
}
