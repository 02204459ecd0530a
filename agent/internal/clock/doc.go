// Package clock abstracts the timers the delivery pipeline arms.
//
// Every pipeline component (aggregation window, overflow redrive, retry
// scheduler, replay debounce) schedules work through Clock.AfterFunc instead
// of calling the time package directly. Production code uses Real(); tests
// use Fake(), whose time stands still until Advance is called and whose
// AfterFunc callbacks run synchronously, in deadline order, inside Advance.
package clock
