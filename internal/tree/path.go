package tree

import (
	"fmt"
	"strings"
)

// Path addresses a node by the answers leading to it from the root.
// The empty path is the root.
type Path []bool

// Append returns a new path; the receiver's backing array is never shared.
func (p Path) Append(answer bool) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)

	return append(out, answer)
}

func (p Path) parent() Path {
	if len(p) == 0 {
		return p
	}

	return p[:len(p)-1]
}

// String encodes the path as 'y' and 'n' characters. Stores use it as a key,
// so every descendant of a path has that path's string as a prefix.
func (p Path) String() string {
	var b strings.Builder
	b.Grow(len(p))

	for _, answer := range p {
		if answer {
			b.WriteByte('y')
		} else {
			b.WriteByte('n')
		}
	}

	return b.String()
}

func ParsePath(s string) (Path, error) {
	p := make(Path, 0, len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'y':
			p = append(p, true)
		case 'n':
			p = append(p, false)
		default:
			return nil, fmt.Errorf("invalid path %q: unexpected %q at %d", s, s[i], i)
		}
	}

	return p, nil
}

func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}

	return true
}

func (p Path) Equal(o Path) bool {
	return len(p) == len(o) && p.HasPrefix(o)
}
