// Package ratelimit caps outbound report volume per rolling minute and parks
// the excess in an overflow buffer instead of dropping it.
//
// Admit forwards records while the rolling window has capacity: PerMinute
// minus the records forwarded during the last Window. A batch larger than the
// remaining capacity is split, the admitted prefix is sent and the rest
// overflows. While the overflow buffer is non-empty, newer records queue
// behind it so delivery stays FIFO.
//
// A single redrive timer is armed for the moment the oldest forwarded record
// leaves the window whenever the overflow buffer holds records. When it fires
// as many records as the window allows are redriven through the same deliver
// path; the timer re-arms itself while records remain.
package ratelimit
