package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// TokenPair holds the two credentials that make up an authenticated session.
// The pair is always written and cleared together: a session with only one of
// the two is treated as unauthenticated.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Valid reports whether both credentials are present.
func (p TokenPair) Valid() bool {
	return p.Access != "" && p.Refresh != ""
}

// UserProfile is the server-provided profile attached to a session. Fields
// are passed through as-is: the platform owns the schema and the client only
// caches whatever comes back from GET /user/.
type UserProfile map[string]any

// Field returns the string form of a profile field, or "" when the field is
// absent or null.
func (p UserProfile) Field(name string) string {
	v, ok := p[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		// JSON numbers decode as float64; render integers without a fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// IdleState is the shared idle flag broadcast between session instances
// ("tabs" in the original dashboard). Timestamp is unix milliseconds and only
// ever increases; receivers ignore broadcasts with a timestamp at or below
// the last one they observed.
type IdleState struct {
	IsIdle    bool   `json:"isIdle"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
	Origin    string `json:"origin"`
}

// NewIdleState builds an IdleState stamped with the given time.
func NewIdleState(isIdle bool, at time.Time, url, origin string) IdleState {
	return IdleState{
		IsIdle:    isIdle,
		Timestamp: at.UnixMilli(),
		URL:       url,
		Origin:    origin,
	}
}
