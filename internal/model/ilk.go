package model

import (
	"errors"
	"fmt"
	"regexp"
)

// Ilk identifies a collateral type, e.g. "ETH-A".
type Ilk string

// ilkRegex matches: {ASSET}[-{QUALIFIER}...]-{CLASS}
// Examples: ETH-A, WBTC-B, PSM-USDC-A
var ilkRegex = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+)*-[A-Z]$`)

// maxIlkLen keeps identifiers within a 32-byte key.
const maxIlkLen = 32

// ErrInvalidIlk is returned for malformed collateral type identifiers.
var ErrInvalidIlk = errors.New("model: invalid collateral type identifier")

// ParseIlk validates a collateral type identifier.
func ParseIlk(s string) (Ilk, error) {
	if len(s) > maxIlkLen || !ilkRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected e.g. ETH-A)", ErrInvalidIlk, s)
	}
	return Ilk(s), nil
}
