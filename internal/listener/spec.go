// Package listener implements the listen-spec grammar, socket creation,
// outbound connect, SCM_RIGHTS fd passing, and peer-credential retrieval
// described in SPEC_FULL.md §4.3. It knows nothing about Connection or the
// Manager; conmgr wires its return values into Connections.
package listener

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two forms of the listen-spec grammar.
type Kind int

const (
	// Unix is the "unix:<path>" form.
	Unix Kind = iota
	// Net is the "host:port" form, resolved by ResolveHostPort.
	Net
)

// Spec is a parsed listen specification.
type Spec struct {
	Kind Kind
	Path string // Unix
	Host string // Net
	Port string // Net
}

// ParseSpec parses the grammar:
//
//	spec     := unix_spec | net_spec
//	unix_spec:= "unix:" PATH
//	net_spec := HOST ":" PORT
func ParseSpec(s string) (Spec, error) {
	if path, ok := strings.CutPrefix(s, "unix:"); ok {
		if path == "" {
			return Spec{}, fmt.Errorf("listener: empty unix path in spec %q", s)
		}
		return Spec{Kind: Unix, Path: path}, nil
	}
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Spec{}, fmt.Errorf("listener: malformed host:port spec %q", s)
	}
	return Spec{Kind: Net, Host: s[:idx], Port: s[idx+1:]}, nil
}

// String renders the spec back in its grammar form ("unix:<path>" or
// "host:port"). Dedup keys for resolved addresses come from UnixKey and
// InetKey, not from this string.
func (s Spec) String() string {
	if s.Kind == Unix {
		return "unix:" + s.Path
	}
	return s.Host + ":" + s.Port
}
