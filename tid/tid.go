// Package tid hands out timestamp identifiers. They sort lexically in
// creation order, so they double as run keys and event keys.
package tid

import "github.com/bluesky-social/indigo/atproto/syntax"

var TIDClock = syntax.NewTIDClock(0)

func TID() string {
	return TIDClock.Next().String()
}

// Valid reports whether s parses as a TID.
func Valid(s string) bool {
	_, err := syntax.ParseTID(s)
	return err == nil
}
