// Package hub fans execution-status and live-data frames out to websocket
// clients. Channel names carry the tenant, and the server owns the prefix:
// a client only ever names the <kind>:<object_id> suffix.
package hub

import (
	"fmt"
	"strings"
)

// Kind partitions channels by what flows over them.
type Kind string

const (
	KindExecution Kind = "execution"
	KindWidget    Kind = "widget"
	KindGeneral   Kind = "general"
	KindBroadcast Kind = "broadcast"
)

func (k Kind) valid() bool {
	switch k {
	case KindExecution, KindWidget, KindGeneral, KindBroadcast:
		return true
	}
	return false
}

// ChannelName builds the canonical channel name
// <ns>:<tenant_id>:<kind>:<object_id>.
func ChannelName(ns, tenant string, kind Kind, objectID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", ns, tenant, kind, objectID)
}

// Canonicalize maps a client-supplied suffix onto the caller's tenant. The
// suffix is <kind>[:<object_id>]; anything the client prepends before a
// recognized kind is discarded, so a subscription can never cross tenants.
func Canonicalize(ns, tenant, suffix string) (string, error) {
	var parts = strings.Split(suffix, ":")
	for i, p := range parts {
		if Kind(p).valid() {
			var objectID = strings.Join(parts[i+1:], ":")
			if objectID == "" && Kind(p) != KindGeneral && Kind(p) != KindBroadcast {
				return "", fmt.Errorf("channel %q names no object", suffix)
			}
			if objectID == "" {
				return fmt.Sprintf("%s:%s:%s", ns, tenant, p), nil
			}
			return ChannelName(ns, tenant, Kind(p), objectID), nil
		}
	}
	return "", fmt.Errorf("channel %q names no recognized kind", suffix)
}

// Suffix strips <ns>:<tenant>: from a canonical name; server frames echo
// the suffix form the client subscribed with.
func Suffix(ns, tenant, channel string) string {
	return strings.TrimPrefix(channel, ns+":"+tenant+":")
}
