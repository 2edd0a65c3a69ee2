// Package natclass classifies a host's NAT behavior by probing a
// rendezvous server's port-echo and inspecting the resulting mapping
// sequence for a preserving, delta, or random pattern.
package natclass

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Kind is one of the five NAT behaviors the rest of the system reasons
// about.
type Kind int

const (
	Preserving Kind = iota
	Delta
	Reuse
	Random
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Preserving:
		return "preserving"
	case Delta:
		return "delta"
	case Reuse:
		return "reuse"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// Descriptor is the classification result. Delta is only meaningful
// (non-zero) when Kind == Delta; it is otherwise always zero.
type Descriptor struct {
	Kind  Kind
	Delta int32
}

const (
	// NATTests is the number of fresh outbound probes taken.
	NATTests = 5
	// PortCollisions is how many of the NATTests probes may disagree
	// with the dominant pattern before classification gives up.
	PortCollisions = 1
)

// ErrCannotClassify is returned when the invariant
// PortCollisions*5 <= NATTests is violated — the tolerance is too
// loose relative to the sample size to trust any classification.
var ErrCannotClassify = errors.New("natclass: port_collisions*5 must not exceed nat_tests")

// Prober performs one SOURCE TCP round trip against a rendezvous
// server from a specific local port and returns the port the server
// observed. Implemented by pkg/rendezvous/client.
type Prober interface {
	ProbeSourcePort(ctx context.Context, localPort int) (remotePort int, err error)
}

// DetermineNAT runs the five-probe classification algorithm against
// ports, which must already be bound (see rendezvous/client.SequentialBind).
func DetermineNAT(ctx context.Context, prober Prober, localPorts []int) (Descriptor, error) {
	if PortCollisions*5 > NATTests {
		return Descriptor{}, ErrCannotClassify
	}
	if len(localPorts) != NATTests {
		return Descriptor{}, fmt.Errorf("natclass: need exactly %d local ports, got %d", NATTests, len(localPorts))
	}

	remote := make([]int, NATTests)
	for i, lp := range localPorts {
		rp, err := prober.ProbeSourcePort(ctx, lp)
		if err != nil {
			return Descriptor{}, fmt.Errorf("natclass: probe %d: %w", i, err)
		}
		remote[i] = rp
	}

	return classify(localPorts, remote), nil
}

// classify is the pure decision function, split out from DetermineNAT
// so it can be exercised directly against literal fixtures.
func classify(local, remote []int) Descriptor {
	preserved := 0
	for i := range local {
		if local[i] == remote[i] {
			preserved++
		}
	}
	if preserved >= NATTests-PortCollisions {
		return Descriptor{Kind: Preserving}
	}

	if d, ok := deltaTest(remote); ok {
		return Descriptor{Kind: Delta, Delta: d}
	}

	return Descriptor{Kind: Random}
}

// deltaTest looks for an arithmetic progression across the observed
// remote ports, tolerant of up to PortCollisions mismatches. A
// candidate delta is drawn from every distinct consecutive difference
// observed, since a single port collision can corrupt any one adjacent
// pair — and each candidate is scored against the progression seeded
// by every individual mapping, so a collision in the first probe can't
// poison the whole test. An exact 50/50 split between surviving
// candidates is treated as inconclusive (classified random).
func deltaTest(remote []int) (int32, bool) {
	n := len(remote)
	diffs := map[int32]bool{}
	for i := 0; i+1 < n; i++ {
		diffs[int32(remote[i+1]-remote[i])] = true
	}

	type candidate struct {
		delta   int32
		matches int
	}
	var candidates []candidate
	for d := range diffs {
		matches := 0
		for seed := 0; seed < n; seed++ {
			fit := 0
			for j := 0; j < n; j++ {
				expected := remote[seed] + int(d)*(j-seed)
				if remote[j] == expected {
					fit++
				}
			}
			if fit > matches {
				matches = fit
			}
		}
		mismatches := n - matches
		if mismatches <= PortCollisions {
			candidates = append(candidates, candidate{delta: d, matches: matches})
		}
	}

	if len(candidates) == 0 {
		return 0, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.matches > best.matches {
			best = c
		}
	}

	tieCount := 0
	for _, c := range candidates {
		if c.matches == best.matches {
			tieCount++
		}
	}
	if tieCount*2 == len(candidates) && len(candidates) > 1 {
		log.Printf("[natclass] delta test tie (%d candidates evenly split); classifying random", tieCount)
		return 0, false
	}

	return best.delta, true
}
