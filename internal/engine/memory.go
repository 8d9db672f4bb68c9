package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultMemoryLimit applies when a configured limit cannot be parsed.
const DefaultMemoryLimit int64 = 2 << 30

// DefaultCPUShares is the engine's own default relative CPU weight.
const DefaultCPUShares int64 = 1024

var ErrInvalidMemoryLimit = errors.New("invalid memory limit")

// ParseMemoryLimit converts "<int>[g|m|k]" into bytes. A bare integer is a
// byte count. Suffixes are case-insensitive and binary.
func ParseMemoryLimit(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidMemoryLimit)
	}

	var shift uint
	switch v[len(v)-1] {
	case 'g':
		shift = 30
	case 'm':
		shift = 20
	case 'k':
		shift = 10
	}
	if shift > 0 {
		v = v[:len(v)-1]
	}

	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidMemoryLimit, s)
		}
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidMemoryLimit, s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidMemoryLimit, s)
	}
	if n > math.MaxInt64>>shift {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidMemoryLimit, s)
	}
	return n << shift, nil
}
