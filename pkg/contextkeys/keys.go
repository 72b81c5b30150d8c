package contextkeys

// Key is the type of the context keys set by this service.
type Key string

const (
	// RequestIDKey is the context key for storing and retrieving a request ID.
	RequestIDKey Key = "request_id"

	// ConnectionIDKey identifies one websocket connection.
	ConnectionIDKey Key = "connection_id"

	// BindingIDKey identifies one binding within a websocket connection.
	BindingIDKey Key = "binding_id"

	// ResourceKeyKey carries the canonical resource key a log line is about.
	ResourceKeyKey Key = "resource_key"

	// SessionIDKey carries the credential session a request acts for.
	SessionIDKey Key = "session_id"
)

// String makes Key satisfy fmt.Stringer to help with debugging/logging of keys themselves.
func (c Key) String() string {
	return string(c)
}
