package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// parseVBuckets parses a list like "0-3,7" into sorted unique vbucket ids
// below n.
func parseVBuckets(list string, n int) ([]uint16, error) {
	var out []uint16
	for part := range strings.SplitSeq(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parseVBucket(lo, n)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parseVBucket(hi, n); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("invalid vbucket range %q", part)
			}
		}

		for vb := first; vb <= last; vb++ {
			out = append(out, uint16(vb))
		}
	}

	slices.Sort(out)
	return slices.Compact(out), nil
}

func parseVBucket(s string, n int) (int, error) {
	vb, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid vbucket %q", s)
	}
	if vb < 0 || vb >= n {
		return 0, fmt.Errorf("vbucket %d out of range [0, %d)", vb, n)
	}
	return vb, nil
}

// allVBuckets returns 0 to n-1.
func allVBuckets(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}
