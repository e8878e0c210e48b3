// Copyright 2026 The Ceramic Anchor Service Authors
//
// PathLine grammar validation (spec §3, §4.6):
//
//	PathLine = '0' | '1' | PathLine '/' ('0' | '1')
//
// The empty string is invalid; trailing slashes are invalid.

package merkle

import (
	"fmt"
	"strings"
)

// ValidatePathLine reports whether s matches the PathLine grammar.
func ValidatePathLine(s string) error {
	if s == "" {
		return fmt.Errorf("merkle: empty pathLine")
	}
	segments := strings.Split(s, "/")
	for i, seg := range segments {
		if seg != "0" && seg != "1" {
			return fmt.Errorf("merkle: invalid pathLine segment %q at position %d in %q", seg, i, s)
		}
	}
	return nil
}

// Depth returns the number of bits in a valid pathLine (its distance from
// the root), or an error if s doesn't match the grammar.
func Depth(s string) (int, error) {
	if err := ValidatePathLine(s); err != nil {
		return 0, err
	}
	return strings.Count(s, "/") + 1, nil
}
