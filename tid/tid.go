package tid

import "github.com/bluesky-social/indigo/atproto/syntax"

var TIDClock = syntax.NewTIDClock(0)

// TID returns a timestamp identifier. Successive calls sort in creation order.
func TID() string {
	return TIDClock.Next().String()
}
