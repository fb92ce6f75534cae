package models

// User is the directory view of an account: just enough to resolve an
// identifier to something displayable. Profile editing lives elsewhere.
type User struct {
	ID       string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// DisplayName prefers the full name, then the username, then the raw ID.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}
