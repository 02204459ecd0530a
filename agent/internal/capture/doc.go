// Package capture turns the process's own outgoing HTTP traffic into
// records: failed requests (transport error or status >= 400) become
// network records and slow requests become performance records.
//
// An Interceptor wraps http.RoundTrippers. Install wraps a client's
// transport and Uninstall restores every client it wrapped, so several
// interceptors can coexist without global reassignment.
//
// Requests whose context carries WithoutCapture, or whose URL starts with a
// report endpoint or matches an exclude pattern, pass through untouched.
// The interceptor never changes what the caller receives: bodies it peeks
// at are replayed to the caller.
package capture
