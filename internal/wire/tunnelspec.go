package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// PortPair is one (source, destination) port mapping produced by parsing a
// tunnel spec (spec.md §6 "Tunnel spec grammar").
type PortPair struct {
	SourcePort      int
	DestinationPort int
}

// ParseTunnelSpec parses the grammar:
//
//	spec  := pair ("," pair)*
//	pair  := port ":" port | range ":" range
//	range := port "-" port with identical inclusive width on both sides
//
// Mismatched widths, mixed range/single, and non-integer ports are fatal
// (spec.md §6, §8 scenario 3): "10080-10082:80-81" must fail before any
// socket is opened, so this function does all validation before returning
// any pairs.
func ParseTunnelSpec(spec string) ([]PortPair, error) {
	var pairs []PortPair
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty tunnel spec segment")
		}
		halves := strings.SplitN(part, ":", 2)
		if len(halves) != 2 {
			return nil, fmt.Errorf("malformed tunnel pair %q: expected source:destination", part)
		}
		srcIsRange := strings.Contains(halves[0], "-")
		dstIsRange := strings.Contains(halves[1], "-")
		if srcIsRange != dstIsRange {
			return nil, fmt.Errorf("invalid port range syntax in %q: if source is a range, destination must be too", part)
		}
		if !srcIsRange {
			sp, err := strconv.Atoi(halves[0])
			if err != nil {
				return nil, fmt.Errorf("invalid source port %q: %w", halves[0], err)
			}
			dp, err := strconv.Atoi(halves[1])
			if err != nil {
				return nil, fmt.Errorf("invalid destination port %q: %w", halves[1], err)
			}
			pairs = append(pairs, PortPair{SourcePort: sp, DestinationPort: dp})
			continue
		}
		srcStart, srcEnd, err := parseRange(halves[0])
		if err != nil {
			return nil, err
		}
		dstStart, dstEnd, err := parseRange(halves[1])
		if err != nil {
			return nil, err
		}
		if srcEnd-srcStart != dstEnd-dstStart {
			return nil, fmt.Errorf("source/destination port range width mismatch in %q", part)
		}
		for i := 0; i <= srcEnd-srcStart; i++ {
			pairs = append(pairs, PortPair{SourcePort: srcStart + i, DestinationPort: dstStart + i})
		}
	}
	return pairs, nil
}

func parseRange(s string) (start, end int, err error) {
	halves := strings.SplitN(s, "-", 2)
	if len(halves) != 2 {
		return 0, 0, fmt.Errorf("invalid port range %q", s)
	}
	start, err = strconv.Atoi(halves[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q: %w", halves[0], err)
	}
	end, err = strconv.Atoi(halves[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q: %w", halves[1], err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid port range %q: end before start", s)
	}
	return start, end, nil
}

// FormatTunnelSpec is the inverse of ParseTunnelSpec on well-formed input
// (spec.md §8 P6): contiguous runs of pairs whose ports increment in
// lockstep are collapsed back into a single range segment.
func FormatTunnelSpec(pairs []PortPair) string {
	var segments []string
	i := 0
	for i < len(pairs) {
		j := i
		for j+1 < len(pairs) &&
			pairs[j+1].SourcePort == pairs[j].SourcePort+1 &&
			pairs[j+1].DestinationPort == pairs[j].DestinationPort+1 {
			j++
		}
		if j == i {
			segments = append(segments, fmt.Sprintf("%d:%d", pairs[i].SourcePort, pairs[i].DestinationPort))
		} else {
			segments = append(segments, fmt.Sprintf("%d-%d:%d-%d",
				pairs[i].SourcePort, pairs[j].SourcePort,
				pairs[i].DestinationPort, pairs[j].DestinationPort))
		}
		i = j + 1
	}
	return strings.Join(segments, ",")
}
