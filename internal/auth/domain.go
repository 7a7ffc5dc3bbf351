package auth

// FederatedProfile is the opaque verified-identity payload produced by the
// upstream federated login handshake.
type FederatedProfile struct {
	Provider  string `json:"provider"`
	Subject   string `json:"subject"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName composes the name stored on first federated login.
func (p FederatedProfile) DisplayName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// MergePayload is the conflicting identity held by a pending merge record:
// the already-hashed password for a password conflict, or the federated
// profile for a federated one, plus the user to merge into.
type MergePayload struct {
	UserID       int64             `json:"userId"`
	PasswordHash string            `json:"password,omitempty"`
	Profile      *FederatedProfile `json:"profile,omitempty"`
}
