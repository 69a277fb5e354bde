package allocator

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// nextRebootHorizon is how far ahead a scheduled reboot still counts as
// "imminent" for scoring purposes.
const nextRebootHorizon = 24 * time.Hour

// rank orders the surviving candidates best-first by weighted score.
// Scores tie-break on lowest uuid, so with the random weight disabled the
// ranking is fully deterministic.
func (a *Allocator) rank(servers []*db.Server, reservations map[uuid.UUID]Spare, req *Request) []*db.Server {
	scores := make(map[uuid.UUID]float64, len(servers))
	add := func(weight float64, normalized map[uuid.UUID]float64) {
		if weight == 0 {
			return
		}
		for id, v := range normalized {
			scores[id] += weight * v
		}
	}

	add(a.cfg.WeightCurrentPlatform, scorePlatform(servers))
	add(a.cfg.WeightNextReboot, scoreNextReboot(servers))
	add(a.cfg.WeightNumOwnerZones, scoreOwnerZones(servers, req.VM.OwnerUUID))
	add(a.cfg.WeightUniformRandom, scoreRandom(servers))
	add(a.cfg.WeightUnreservedDisk, a.scoreSpare(servers, reservations, req, func(sp Spare) int64 { return sp.Disk }))
	add(a.cfg.WeightUnreservedRAM, a.scoreSpare(servers, reservations, req, func(sp Spare) int64 { return sp.RAM }))

	ranked := make([]*db.Server, len(servers))
	copy(ranked, servers)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].UUID], scores[ranked[j].UUID]
		if si != sj {
			return si > sj
		}
		return ranked[i].UUID.String() < ranked[j].UUID.String()
	})
	return ranked
}

// scorePlatform favors newer platform builds: each distinct platform gets
// a rank and servers score by where theirs sits.
func scorePlatform(servers []*db.Server) map[uuid.UUID]float64 {
	platforms := lo.Uniq(lo.Map(servers, func(s *db.Server, _ int) string {
		return s.CurrentPlatform
	}))
	sort.Strings(platforms)

	out := make(map[uuid.UUID]float64, len(servers))
	for _, s := range servers {
		if len(platforms) < 2 {
			out[s.UUID] = 1
			continue
		}
		idx := sort.SearchStrings(platforms, s.CurrentPlatform)
		out[s.UUID] = float64(idx) / float64(len(platforms)-1)
	}
	return out
}

// scoreNextReboot penalizes servers with a reboot scheduled in the near
// future — a VM placed there would bounce almost immediately.
func scoreNextReboot(servers []*db.Server) map[uuid.UUID]float64 {
	cutoff := time.Now().Add(nextRebootHorizon)
	out := make(map[uuid.UUID]float64, len(servers))
	for _, s := range servers {
		if s.NextReboot != nil && s.NextReboot.Before(cutoff) {
			out[s.UUID] = 0
		} else {
			out[s.UUID] = 1
		}
	}
	return out
}

// scoreOwnerZones spreads one owner's VMs across the fleet: the fewer
// zones the owner already has on a server, the better it scores.
func scoreOwnerZones(servers []*db.Server, ownerUUID string) map[uuid.UUID]float64 {
	counts := make(map[uuid.UUID]int, len(servers))
	maxCount := 0
	for _, s := range servers {
		n := ownerZones(s, ownerUUID)
		counts[s.UUID] = n
		if n > maxCount {
			maxCount = n
		}
	}

	out := make(map[uuid.UUID]float64, len(servers))
	for _, s := range servers {
		if maxCount == 0 {
			out[s.UUID] = 1
			continue
		}
		out[s.UUID] = 1 - float64(counts[s.UUID])/float64(maxCount)
	}
	return out
}

func scoreRandom(servers []*db.Server) map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64, len(servers))
	for _, s := range servers {
		out[s.UUID] = rand.Float64()
	}
	return out
}

// scoreSpare normalizes one spare-capacity dimension against the best
// candidate, so the emptiest server scores 1.
func (a *Allocator) scoreSpare(servers []*db.Server, reservations map[uuid.UUID]Spare, req *Request, dim func(Spare) int64) map[uuid.UUID]float64 {
	values := make(map[uuid.UUID]int64, len(servers))
	var best int64
	for _, s := range servers {
		v := dim(a.spare(s, reservations, req))
		if v < 0 {
			v = 0
		}
		values[s.UUID] = v
		if v > best {
			best = v
		}
	}

	out := make(map[uuid.UUID]float64, len(servers))
	for _, s := range servers {
		if best == 0 {
			out[s.UUID] = 0
			continue
		}
		out[s.UUID] = float64(values[s.UUID]) / float64(best)
	}
	return out
}
