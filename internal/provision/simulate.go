package provision

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/screa/ip-hunter/pkg/ranges"
	"github.com/screa/ip-hunter/pkg/types"
)

// SimulatedOptions shapes the offline provider
type SimulatedOptions struct {
	// HitRate is the probability an acquired address lands inside Targets
	HitRate float64
	// QuotaRate and TransientRate inject failures into Acquire
	QuotaRate     float64
	TransientRate float64
	Latency       time.Duration
	Targets       []ranges.AddressRange
}

// Simulated hands out random IPv4 addresses without touching any cloud.
// It is used for dry runs.
type Simulated struct {
	opts     SimulatedOptions
	seq      atomic.Uint64
	mu       sync.Mutex
	held     map[string]string
	released atomic.Uint64
}

// NewSimulated creates an offline provider
func NewSimulated(opts SimulatedOptions) *Simulated {
	return &Simulated{opts: opts, held: make(map[string]string)}
}

func (s *Simulated) Acquire(ctx context.Context) (*types.Resource, error) {
	if s.opts.Latency > 0 {
		t := time.NewTimer(s.opts.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, Classify("simulate acquire", ctx.Err())
		}
	}

	roll := rand.Float64()
	switch {
	case roll < s.opts.QuotaRate:
		return nil, StatusError("simulate acquire", 429, "simulated quota exceeded")
	case roll < s.opts.QuotaRate+s.opts.TransientRate:
		return nil, StatusError("simulate acquire", 503, "simulated outage")
	}

	var addr netip.Addr
	if len(s.opts.Targets) > 0 && rand.Float64() < s.opts.HitRate {
		addr = randomIn(s.opts.Targets[rand.IntN(len(s.opts.Targets))])
	} else {
		addr = randomIPv4()
	}

	id := fmt.Sprintf("sim-%06d", s.seq.Add(1))
	s.mu.Lock()
	s.held[id] = addr.String()
	s.mu.Unlock()

	return &types.Resource{ID: id, Name: id, Addresses: []string{addr.String()}}, nil
}

func (s *Simulated) Release(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[resourceID]; !ok {
		return &Error{Kind: KindTransient, Op: "simulate release", Err: fmt.Errorf("unknown resource %s", resourceID)}
	}
	delete(s.held, resourceID)
	s.released.Add(1)
	return nil
}

// Released returns how many resources were released
func (s *Simulated) Released() uint64 {
	return s.released.Load()
}

// Held returns the number of resources acquired and not yet released
func (s *Simulated) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func randomIPv4() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], rand.Uint32())
	b[0] = byte(1 + rand.IntN(223)) // skip 0/8 and multicast
	return netip.AddrFrom4(b)
}

func randomIn(r ranges.AddressRange) netip.Addr {
	if !r.Start.Is4() {
		return r.Start
	}
	lo := binary.BigEndian.Uint32(r.Start.AsSlice())
	hi := binary.BigEndian.Uint32(r.End.AsSlice())
	v := lo + uint32(rand.Uint64N(uint64(hi-lo)+1))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
