package i

// Role is the part the local node plays in a session.
type Role int

const (
	RoleHost Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// SessionState is one of NoSession, Connecting or Active.
type SessionState interface {
	sessionState()
}

// NoSession is the idle state.
type NoSession struct{}

// Connecting is a session whose host start, lobby join or client connection
// has not completed. Lobby is nil until one is known. Target is only set for
// clients.
type Connecting struct {
	Role   Role
	Lobby  *Lobby
	Target string
}

// Active is an established session. Host is the remote authority address and
// is empty for the host role.
type Active struct {
	Role  Role
	Lobby *Lobby
	Host  string
}

func (NoSession) sessionState()  {}
func (Connecting) sessionState() {}
func (Active) sessionState()     {}

// SessionLobby returns the lobby held by s, if any.
func SessionLobby(s SessionState) (*Lobby, bool) {
	switch st := s.(type) {
	case Connecting:
		return st.Lobby, st.Lobby != nil
	case Active:
		return st.Lobby, st.Lobby != nil
	default:
		return nil, false
	}
}

// SessionRole returns the role of s, zero for NoSession.
func SessionRole(s SessionState) Role {
	switch st := s.(type) {
	case Connecting:
		return st.Role
	case Active:
		return st.Role
	default:
		return 0
	}
}
