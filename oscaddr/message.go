// Package oscaddr implements the aoo OSC address scheme (spec.md §6.2) and a
// narrow OSC wire codec. Every message in the system is addressed
// /aoo/<role>/<id-or-*>/<verb>; engines build and parse Message values
// through this package and never see raw bytes directly. The codec itself
// (message.go/codec.go) is a small hand-rolled implementation of the binary
// OSC format (type-tagged, 4-byte aligned strings/blobs, big-endian
// int32/float32/float64), grounded directly on spec.md's wire tables rather
// than any example in the retrieval pack (see DESIGN.md).
package oscaddr

import "fmt"

// Role is the second path component of every aoo OSC address.
type Role string

const (
	RoleSource Role = "source"
	RoleSink   Role = "sink"
	RoleServer Role = "server"
	RoleClient Role = "client"
	RolePeer   Role = "peer"
)

// WildcardID renders as "*" in an address, matching any numeric id.
const WildcardID = "*"

// Message is one parsed or about-to-be-serialized OSC message: an address
// pattern plus its typed argument list.
type Message struct {
	Address string
	Args    []any
}

// BuildAddress assembles "/aoo/<role>/<id>/<verb>". Pass WildcardValue to
// use the wildcard id ("*"); any other negative id, such as NoID, omits the
// id segment (e.g. "/aoo/server/login"). Pass verb == "" to build a bare
// "/aoo/<role>/<id>" prefix.
func BuildAddress(role Role, id int32, verb string) string {
	var idPart string
	switch {
	case id == WildcardValue:
		idPart = WildcardID
	case id >= 0:
		idPart = fmt.Sprintf("%d", id)
	default:
		idPart = ""
	}
	if idPart == "" {
		if verb == "" {
			return fmt.Sprintf("/aoo/%s", role)
		}
		return fmt.Sprintf("/aoo/%s/%s", role, verb)
	}
	if verb == "" {
		return fmt.Sprintf("/aoo/%s/%s", role, idPart)
	}
	return fmt.Sprintf("/aoo/%s/%s/%s", role, idPart, verb)
}

// WildcardValue is the sentinel passed to BuildAddress to request "*".
const WildcardValue int32 = -1

// NoID is the sentinel passed to BuildAddress for control-plane addresses
// that carry no numeric id segment at all, e.g. "/aoo/server/login"
// (spec.md §6.2's control-plane table). Distinct from WildcardValue, which
// still renders a literal "*" segment.
const NoID int32 = -2

// ParsedAddress is the decomposition of an incoming address pattern.
type ParsedAddress struct {
	Role  Role
	ID    int32 // WildcardValue if the pattern used "*"
	HasID bool
	Verb  string
}

// ParseAddress splits "/aoo/<role>/<id>/<verb>" (or the id-less control-plane
// shape "/aoo/<role>/<verb>") into its components.
func ParseAddress(addr string) (ParsedAddress, error) {
	parts, err := splitPath(addr)
	if err != nil {
		return ParsedAddress{}, err
	}
	if len(parts) < 2 || parts[0] != "aoo" {
		return ParsedAddress{}, fmt.Errorf("oscaddr: not an aoo address: %q", addr)
	}
	role := Role(parts[1])
	switch len(parts) {
	case 2:
		return ParsedAddress{Role: role}, nil
	case 3:
		// Could be role/id (no verb) or role/verb (no id); id-less control
		// addresses only ever appear with a known non-numeric verb, so try
		// numeric first.
		if id, wildcard, ok := tryParseID(parts[2]); ok {
			pa := ParsedAddress{Role: role, HasID: true, ID: id}
			if wildcard {
				pa.ID = WildcardValue
			}
			return pa, nil
		}
		return ParsedAddress{Role: role, Verb: parts[2]}, nil
	case 4:
		// "/aoo/server/group/join", "/aoo/server/group/leave",
		// "/aoo/client/peer/join" and "/aoo/client/peer/leave" are two-word
		// verbs with no id segment at all, not a role/id/verb triple.
		if (role == RoleServer && parts[2] == "group") || (role == RoleClient && parts[2] == "peer") {
			return ParsedAddress{Role: role, Verb: parts[2] + "/" + parts[3]}, nil
		}
		id, wildcard, ok := tryParseID(parts[2])
		if !ok {
			return ParsedAddress{}, fmt.Errorf("oscaddr: bad id segment %q in %q", parts[2], addr)
		}
		pa := ParsedAddress{Role: role, Verb: parts[3], HasID: true, ID: id}
		if wildcard {
			pa.ID = WildcardValue
		}
		return pa, nil
	default:
		return ParsedAddress{}, fmt.Errorf("oscaddr: too many path segments in %q", addr)
	}
}

func tryParseID(seg string) (id int32, wildcard bool, ok bool) {
	if seg == WildcardID {
		return WildcardValue, true, true
	}
	var n int32
	if _, err := fmt.Sscanf(seg, "%d", &n); err != nil {
		return 0, false, false
	}
	return n, false, true
}

func splitPath(addr string) ([]string, error) {
	if len(addr) == 0 || addr[0] != '/' {
		return nil, fmt.Errorf("oscaddr: address must start with '/': %q", addr)
	}
	var parts []string
	start := 1
	for i := 1; i <= len(addr); i++ {
		if i == len(addr) || addr[i] == '/' {
			if i > start {
				parts = append(parts, addr[start:i])
			}
			start = i + 1
		}
	}
	return parts, nil
}
