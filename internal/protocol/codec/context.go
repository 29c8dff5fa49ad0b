package codec

import "github.com/danmuck/uastack/internal/protocol/ua"

// Limits bounds what a decoder will accept and an encoder will produce.
// Zero means unbounded.
type Limits struct {
	MaxMessageSize     int
	MaxStringLength    int
	MaxArrayLength     int
	MaxDiagnosticDepth int
	MaxNestingDepth    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:     16 << 20,
		MaxStringLength:    1 << 20,
		MaxArrayLength:     1 << 20,
		MaxDiagnosticDepth: ua.DefaultDiagnosticDepth,
		MaxNestingDepth:    64,
	}
}

// Context is shared, read-mostly encode/decode state.
type Context struct {
	Namespaces *ua.NamespaceTable
	Servers    *ua.ServerTable
	Registry   *Registry
	Limits     Limits

	local *ua.NamespaceTable
}

// NewContext returns a context with default limits and fresh tables. A nil
// registry behaves as an empty one.
func NewContext(reg *Registry) *Context {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Context{
		Namespaces: ua.NewNamespaceTable(),
		Servers:    ua.NewServerTable(""),
		Registry:   reg,
		Limits:     DefaultLimits(),
	}
}

// WithLimits returns a copy of c using limits.
func (c *Context) WithLimits(limits Limits) *Context {
	out := *c
	out.Limits = limits
	return &out
}

// WithNamespaceMapping returns a copy of c that translates namespace indices
// from local to c.Namespaces on encode and back on decode.
func (c *Context) WithNamespaceMapping(local *ua.NamespaceTable) *Context {
	out := *c
	out.local = local
	return &out
}

func (c *Context) registry() *Registry {
	if c.Registry == nil {
		return emptyRegistry
	}
	return c.Registry
}

func (c *Context) encodeNamespace(idx uint16) (uint16, error) {
	if c.local == nil || idx == 0 {
		return idx, nil
	}
	out, ok := ua.TranslateNamespace(idx, c.local, c.Namespaces)
	if !ok {
		return 0, ua.EncodingError("namespace index %d has no canonical mapping", idx)
	}
	return out, nil
}

func (c *Context) decodeNamespace(idx uint16) (uint16, error) {
	if c.local == nil || idx == 0 {
		return idx, nil
	}
	out, ok := ua.TranslateNamespace(idx, c.Namespaces, c.local)
	if !ok {
		return 0, ua.DecodingError("namespace index %d has no local mapping", idx)
	}
	return out, nil
}

func (c *Context) diagnosticDepth() int {
	if c.Limits.MaxDiagnosticDepth > 0 {
		return c.Limits.MaxDiagnosticDepth
	}
	return ua.DefaultDiagnosticDepth
}
