package guard

import "fmt"

// State is the captured form of a Guard: a single boolean.
// It marshals as the text "stuck" or "idle".
type State struct {
	Stuck bool
}

func (s State) String() string {
	if s.Stuck {
		return "stuck"
	}
	return "idle"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The empty string decodes
// as idle so a bundle written without a guard entry restores cleanly.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stuck":
		s.Stuck = true
	case "idle", "":
		s.Stuck = false
	default:
		return fmt.Errorf("guard: invalid state %q", b)
	}
	return nil
}
