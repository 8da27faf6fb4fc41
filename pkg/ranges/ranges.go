// Package ranges matches network addresses against an ordered list of
// inclusive address intervals.
package ranges

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Errors
var (
	ErrInvalidAddressFormat = errors.New("invalid address format")
	ErrInvalidRange         = errors.New("invalid address range")
	ErrNoRanges             = errors.New("at least one address range is required")
)

// AddressRange is an inclusive interval of addresses of a single family
type AddressRange struct {
	Start netip.Addr
	End   netip.Addr
}

// NewRange builds a range, rejecting reversed bounds and mixed families
func NewRange(start, end netip.Addr) (AddressRange, error) {
	start, end = start.Unmap(), end.Unmap()
	if !start.IsValid() || !end.IsValid() {
		return AddressRange{}, fmt.Errorf("%w: missing bound", ErrInvalidRange)
	}
	if start.Is4() != end.Is4() {
		return AddressRange{}, fmt.Errorf("%w: %s and %s are different families", ErrInvalidRange, start, end)
	}
	if end.Less(start) {
		return AddressRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, start, end)
	}
	return AddressRange{Start: start, End: end}, nil
}

// ParseRange accepts "a-b", a CIDR prefix "a/n" or a single address
func ParseRange(s string) (AddressRange, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.Contains(s, "/"):
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		r := netipx.RangeOfPrefix(prefix.Masked())
		return NewRange(r.From(), r.To())
	case strings.Contains(s, "-"):
		lo, hi, _ := strings.Cut(s, "-")
		start, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		end, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		return NewRange(start, end)
	default:
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		return NewRange(addr, addr)
	}
}

// Contains reports whether addr lies inside the range. Both ends are inclusive.
func (r AddressRange) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.Is4() == r.Start.Is4() && !addr.Less(r.Start) && !r.End.Less(addr)
}

func (r AddressRange) String() string {
	if r.Start == r.End {
		return r.Start.String()
	}
	return r.Start.String() + "-" + r.End.String()
}

// Matcher is immutable after construction and safe for concurrent use
type Matcher struct {
	ranges []AddressRange
	set    *netipx.IPSet
	has4   bool
	has6   bool
}

// NewMatcher builds a matcher from an ordered list of ranges
func NewMatcher(rs []AddressRange) (*Matcher, error) {
	if len(rs) == 0 {
		return nil, ErrNoRanges
	}

	var b netipx.IPSetBuilder
	m := &Matcher{ranges: make([]AddressRange, len(rs))}
	for i, r := range rs {
		ipr := netipx.IPRangeFrom(r.Start, r.End)
		if !ipr.IsValid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRange, r)
		}
		b.AddRange(ipr)
		m.ranges[i] = r
		if r.Start.Is4() {
			m.has4 = true
		} else {
			m.has6 = true
		}
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build address set: %w", err)
	}
	m.set = set
	return m, nil
}

// Parse builds a matcher from range strings understood by ParseRange
func Parse(specs []string) (*Matcher, error) {
	rs := make([]AddressRange, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		r, err := ParseRange(s)
		if err != nil {
			return nil, fmt.Errorf("range %q: %w", s, err)
		}
		rs = append(rs, r)
	}
	return NewMatcher(rs)
}

// Ranges returns a copy of the configured ranges in configuration order
func (m *Matcher) Ranges() []AddressRange {
	out := make([]AddressRange, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Contains reports whether address falls within any configured range.
// It fails with ErrInvalidAddressFormat if the address cannot be parsed or
// belongs to a family none of the ranges use.
func (m *Matcher) Contains(address string) (bool, error) {
	addr, err := m.parse(address)
	if err != nil {
		return false, err
	}
	return m.set.Contains(addr), nil
}

// Match is Contains plus the first configured range holding the address
func (m *Matcher) Match(address string) (AddressRange, bool, error) {
	addr, err := m.parse(address)
	if err != nil {
		return AddressRange{}, false, err
	}
	if !m.set.Contains(addr) {
		return AddressRange{}, false, nil
	}
	for _, r := range m.ranges {
		if r.Contains(addr) {
			return r, true, nil
		}
	}
	return AddressRange{}, false, nil
}

func (m *Matcher) parse(address string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddressFormat, address)
	}
	addr = addr.Unmap()
	if addr.Zone() != "" {
		addr = addr.WithZone("")
	}
	if (addr.Is4() && !m.has4) || (addr.Is6() && !m.has6) {
		return netip.Addr{}, fmt.Errorf("%w: %s does not match the configured address family", ErrInvalidAddressFormat, address)
	}
	return addr, nil
}
