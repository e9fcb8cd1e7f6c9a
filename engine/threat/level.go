package threat

import "fmt"

// Level is the current escalation stage. Kept as a typed enum so handling
// stays exhaustive at compile time; it marshals as the dashboard-facing string.
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelAttack
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelElevated:
		return "ELEVATED"
	case LevelAttack:
		return "ATTACK"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// MarshalJSON emits the level name, not the numeric value.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON accepts the level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"NORMAL"`:
		*l = LevelNormal
	case `"ELEVATED"`:
		*l = LevelElevated
	case `"ATTACK"`:
		*l = LevelAttack
	case `"CRITICAL"`:
		*l = LevelCritical
	default:
		return fmt.Errorf("unknown threat level %s", data)
	}
	return nil
}
