package chat

// Kind distinguishes anonymous conversations from ones bound to an account.
type Kind string

const (
	KindAnonymous     Kind = "anonymous"
	KindAuthenticated Kind = "authenticated"
)

// User is the authenticated profile returned by the auth collaborator.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Session captures a server-tracked conversation lineage.
type Session struct {
	ID    string `json:"session_id"`
	Kind  Kind   `json:"kind"`
	Owner *User  `json:"owner,omitempty"`
}

// Anonymous reports whether the session has no owner yet.
func (s Session) Anonymous() bool {
	return s.Owner == nil && s.Kind != KindAuthenticated
}
