package alloc

import (
	"fmt"
	"math/rand/v2"

	"staticip/internal/types"
)

// tunnelAddrAttempts bounds the random search for a free tunnel address.
// 10.64.0.0/10 holds ~4M hosts and nodes carry at most a few thousand
// allocations, so exhaustion here means the taken set is corrupt rather than
// genuinely full.
const tunnelAddrAttempts = 32

// generateTunnelAddress picks a random host address in 10.64.0.0/10 that is
// not in the taken set. Host octets avoid .0 and .255 so the address is always
// assignable. The caller is expected to hold the taken set of the target
// node's live allocations; the partial unique index on
// (node_id, internal_address) backstops any read skew.
func generateTunnelAddress(taken map[string]struct{}) (string, error) {
	for i := 0; i < tunnelAddrAttempts; i++ {
		// 10.64.0.0/10 spans second octets 64..127.
		addr := fmt.Sprintf("10.%d.%d.%d",
			64+rand.IntN(64),
			rand.IntN(256),
			1+rand.IntN(254),
		)
		if _, ok := taken[addr]; !ok {
			return addr, nil
		}
	}
	return "", types.NewAppError(types.ErrCodeInternalUnexpected,
		"could not find a free tunnel address", nil)
}

// takenSet converts a list of addresses into a membership set.
func takenSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}
