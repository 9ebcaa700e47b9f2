package relay

// Auth is the authentication state of a connection, produced by the
// application's auth handler. A nil *Auth means the connection is
// unauthenticated.
//
// Public is echoed back to the client on successful login; Private never
// leaves the server. UserID is optional and only required for per-user
// subscription revocation.
type Auth struct {
	Public  any
	Private any
	UserID  string
}
