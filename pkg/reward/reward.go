// Package reward scores one program against another.
//
// A reward function runs both programs on the same staple input and
// compares what they produce. Rewards are read from the first program's
// point of view: positive is good for A.
package reward

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/subleq/pkg/subleq"
)

// Names of the built-in rewards.
const (
	Blind       = "blind"
	Placeholder = "placeholder"
)

// ErrUnknownReward is returned by Lookup for an unregistered name.
var ErrUnknownReward = errors.New("unknown reward")

// Staple is the input both programs receive.
var Staple = []int64{0, 1, 2, 3, 4, 5}

// Func scores program a against program b.
type Func func(r subleq.Runner, a, b []int64) int

var registry = map[string]Func{
	Blind:       BlindReward,
	Placeholder: PlaceholderReward,
}

// Lookup returns the reward registered under name.
func Lookup(name string) (Func, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReward, name)
	}
	return fn, nil
}

// Names returns the registered reward names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BlindReward is +1 if a emits more words than b on the staple, -1 if fewer
// and 0 on a tie. It is antisymmetric: BlindReward(a, b) == -BlindReward(b, a).
func BlindReward(r subleq.Runner, a, b []int64) int {
	outA := r.Run(a, Staple).Output
	outB := r.Run(b, Staple).Output
	switch {
	case len(outA) > len(outB):
		return 1
	case len(outA) < len(outB):
		return -1
	default:
		return 0
	}
}

// PlaceholderReward is 1 if a emits more words than b on the staple and 0
// otherwise.
func PlaceholderReward(r subleq.Runner, a, b []int64) int {
	outA := r.Run(a, Staple).Output
	outB := r.Run(b, Staple).Output
	if len(outA) > len(outB) {
		return 1
	}
	return 0
}
