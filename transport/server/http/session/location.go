package session

// Kinds of request locations a session id can travel in.
const (
	KindHeader = "header"
	KindQuery  = "query"
)

// Location names where a transport carries its session id: the streamable
// transport uses the Mcp-Session-Id header, the legacy SSE transport a query
// parameter on the message endpoint.
type Location struct {
	Name string
	Kind string
}

// NewLocation creates a location of an explicit kind.
func NewLocation(name, kind string) *Location {
	return &Location{Name: name, Kind: kind}
}

// NewHeaderLocation names a header carrying the session id.
func NewHeaderLocation(name string) *Location {
	return NewLocation(name, KindHeader)
}

// NewQueryLocation names a query parameter carrying the session id.
func NewQueryLocation(name string) *Location {
	return NewLocation(name, KindQuery)
}
