// Package store keeps the records accepted by the sink in memory, bounded
// by count and evicted by age.
package store
