package kit

import "context"

// Transports an Origin may name.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
	TransportCLI  = "cli"
)

// Origin describes where a call came from. It travels in the context so
// endpoints and the export log can tag their records without knowing the
// transport.
type Origin struct {
	Transport  string
	RequestID  string
	RemoteAddr string
}

type originKey struct{}

// WithOrigin returns a context carrying o.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the Origin stored in ctx. A bare context reports
// TransportCLI with no request ID.
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return Origin{Transport: TransportCLI}
}
