package balancer

import "net/netip"

////////////////////////////////////////////////////////////////////////////////

// SrcClass is the source-routing classification of a flow origin.
type SrcClass uint8

const (
	SrcRemote SrcClass = iota
	SrcLocal
)

func (c SrcClass) String() string {
	if c == SrcLocal {
		return "local"
	}
	return "remote"
}

// SourceRouter answers whether a flow's source address is local or
// remote. The longest-prefix-match table behind it is an external
// collaborator; only the classification is consumed here.
type SourceRouter interface {
	Classify(src netip.Addr) SrcClass
}

////////////////////////////////////////////////////////////////////////////////

// PrefixSourceRouter classifies sources against a static set of local
// prefixes. It stands in for the external routing table in tests and
// simulation runs.
type PrefixSourceRouter struct {
	local []netip.Prefix
}

func NewPrefixSourceRouter(local []netip.Prefix) *PrefixSourceRouter {
	return &PrefixSourceRouter{local: local}
}

func (r *PrefixSourceRouter) Classify(src netip.Addr) SrcClass {
	for _, prefix := range r.local {
		if prefix.Contains(src.Unmap()) {
			return SrcLocal
		}
	}
	return SrcRemote
}
