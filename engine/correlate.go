package engine

import (
	"fmt"
	"strings"

	"github.com/w1xm/gimbal_interface/canbus"
)

// Policy decides which observed frame answers a request.
type Policy int

const (
	// PolicyDefault uses the engine's configured policy.
	PolicyDefault Policy = iota
	// PolicyPaired expects exactly two frames from the request's address,
	// the echo of the request and the reply, in either order. The
	// transaction resolves on the second frame, so a third frame is never
	// observed and is ignored like any frame arriving after resolution.
	PolicyPaired
	// PolicySingle takes the first frame from the request's address that
	// carries the request's opcode and is not the echo.
	PolicySingle
)

func (p Policy) String() string {
	switch p {
	case PolicyPaired:
		return "paired"
	case PolicySingle:
		return "single"
	}
	return "default"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return PolicyDefault, nil
	case "paired":
		return PolicyPaired, nil
	case "single":
		return PolicySingle, nil
	}
	return PolicyDefault, fmt.Errorf("unknown correlation policy %q", s)
}

type correlator struct {
	out    canbus.Frame
	policy Policy
	seen   []canbus.Frame
}

func (c *correlator) isEcho(f canbus.Frame) bool {
	return f.Data == c.out.Data
}

// observe feeds one frame to the correlator. done is set once the
// transaction is resolved, with either the response or an error.
func (c *correlator) observe(f canbus.Frame) (done bool, resp canbus.Frame, err error) {
	if f.ID != c.out.ID {
		return false, canbus.Frame{}, nil
	}
	if c.policy == PolicySingle {
		if c.isEcho(f) || f.Data[0] != c.out.Data[0] {
			return false, canbus.Frame{}, nil
		}
		return true, f, nil
	}

	c.seen = append(c.seen, f)
	if len(c.seen) < 2 {
		return false, canbus.Frame{}, nil
	}
	a, b := c.seen[0], c.seen[1]
	switch aEcho, bEcho := c.isEcho(a), c.isEcho(b); {
	case aEcho && !bEcho:
		return true, b, nil
	case bEcho && !aEcho:
		return true, a, nil
	case aEcho:
		return true, canbus.Frame{}, fmt.Errorf("%w: two echoes", ErrUnexpectedResponse)
	default:
		return true, canbus.Frame{}, fmt.Errorf("%w: no echo among %s and %s", ErrUnexpectedResponse, a, b)
	}
}
