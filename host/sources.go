package host

import (
	"encoding/binary"
	"maps"
	"math"
	"slices"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
)

// hashRotations is the number of points every server takes on the ring.
const hashRotations = 3

func hash32(s string) uint32 {
	sum := blake3.Sum256([]byte(s))
	return binary.LittleEndian.Uint32(sum[:4])
}

// hashDistance is min over k of hash(peer:k) XOR hash(target).
func hashDistance(peer, target string) uint32 {
	t := hash32(target)
	best := uint32(math.MaxUint32)
	for k := range hashRotations {
		best = min(best, hash32(peer+":"+strconv.Itoa(k))^t)
	}
	return best
}

// Sources returns the uplinks of ti, closest first: the connected server
// nearest to ti on the hash ring, or the local storage when it is closer.
// Clients always keep their storage as a cache uplink.
func (h *Host) Sources(ti spec.TypeID) []syncable.Recipient {
	target := ti.String()
	var (
		res     []syncable.Recipient
		closest syncable.Recipient
		best    = uint32(math.MaxUint32)
	)
	if h.storage != nil {
		if h.IsServer() {
			closest = h.storage
			best = hashDistance(h.id, target)
		} else {
			res = append(res, h.storage)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(h.sources)) {
		if !IsServerID(id) {
			continue
		}
		if d := hashDistance(id, target); d < best {
			best, closest = d, h.sources[id]
		}
	}
	if closest != nil {
		res = append([]syncable.Recipient{closest}, res...)
	}
	return res
}
