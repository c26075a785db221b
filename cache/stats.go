package cache

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Unavailable is reported for a diagnostic the shared tier did not provide.
const Unavailable = "unavailable"

// SharedDiagnostics is a best-effort view of the shared tier.
type SharedDiagnostics struct {
	// Available is false when the diagnostics call itself failed.
	Available        bool   `json:"available"`
	UsedMemory       string `json:"used_memory"`
	ConnectedClients string `json:"connected_clients"`
	// Breaker is the circuit breaker state, empty if the store has none.
	Breaker string `json:"breaker,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stats is a snapshot of the manager's counters and both tiers.
type Stats struct {
	InstanceID          string            `json:"instance_id"`
	Local               LocalStats        `json:"local"`
	LocalHits           uint64            `json:"local_hits"`
	SharedHits          uint64            `json:"shared_hits"`
	Misses              uint64            `json:"misses"`
	Sets                uint64            `json:"sets"`
	SharedErrors        uint64            `json:"shared_errors"`
	SerializationErrors uint64            `json:"serialization_errors"`
	ProducerCalls       uint64            `json:"producer_calls"`
	ProducerErrors      uint64            `json:"producer_errors"`
	WarmFailures        uint64            `json:"warm_failures"`
	Shared              SharedDiagnostics `json:"shared"`
}

// HitRatio is the fraction of Get calls served by either tier.
func (s Stats) HitRatio() float64 {
	total := s.LocalHits + s.SharedHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.LocalHits+s.SharedHits) / float64(total)
}

type collector struct {
	localHits           atomic.Uint64
	sharedHits          atomic.Uint64
	misses              atomic.Uint64
	sets                atomic.Uint64
	sharedErrors        atomic.Uint64
	serializationErrors atomic.Uint64
	producerCalls       atomic.Uint64
	producerErrors      atomic.Uint64
	warmFailures        atomic.Uint64
}

func (c *collector) snapshot() Stats {
	return Stats{
		LocalHits:           c.localHits.Load(),
		SharedHits:          c.sharedHits.Load(),
		Misses:              c.misses.Load(),
		Sets:                c.sets.Load(),
		SharedErrors:        c.sharedErrors.Load(),
		SerializationErrors: c.serializationErrors.Load(),
		ProducerCalls:       c.producerCalls.Load(),
		ProducerErrors:      c.producerErrors.Load(),
		WarmFailures:        c.warmFailures.Load(),
	}
}

var (
	usedMemoryRegex       = regexp.MustCompile(`(?m)^used_memory_human:(\S+)`)
	connectedClientsRegex = regexp.MustCompile(`(?m)^connected_clients:(\d+)`)
)

// ParseInfo extracts used memory and connected clients from a Redis INFO
// report. Fields that are missing are reported as Unavailable.
func ParseInfo(info string) SharedDiagnostics {
	d := SharedDiagnostics{
		Available:        true,
		UsedMemory:       Unavailable,
		ConnectedClients: Unavailable,
	}
	if m := usedMemoryRegex.FindStringSubmatch(info); m != nil {
		d.UsedMemory = strings.TrimSpace(m[1])
	}
	if m := connectedClientsRegex.FindStringSubmatch(info); m != nil {
		d.ConnectedClients = m[1]
	}
	return d
}
