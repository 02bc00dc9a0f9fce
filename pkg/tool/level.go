package tool

import "fmt"

// TrustLevel is the discrete tier derived from a trust score.
type TrustLevel int

const (
	LevelBlocked TrustLevel = iota
	LevelRestricted
	LevelStandard
	LevelElevated
)

func (l TrustLevel) String() string {
	switch l {
	case LevelBlocked:
		return "blocked"
	case LevelRestricted:
		return "restricted"
	case LevelStandard:
		return "standard"
	case LevelElevated:
		return "elevated"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseTrustLevel parses a level name as used in configuration.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch s {
	case "blocked":
		return LevelBlocked, nil
	case "restricted":
		return LevelRestricted, nil
	case "standard":
		return LevelStandard, nil
	case "elevated":
		return LevelElevated, nil
	default:
		return LevelBlocked, fmt.Errorf("unknown trust level: %q", s)
	}
}
