// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/statcache/internal/statcache"
)

// Clock implements statcache.Clock using time.Now.
type Clock struct{}

var _ statcache.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Today returns the current KST calendar date used in cache keys.
func (c Clock) Today() string {
	return statcache.TodayDate(c.Now())
}
