// Package scheduler provides a priority worker pool.
//
// Tasks queue with an integer priority; higher runs first, equal
// priorities run in submission order. The concurrency limit can be
// changed at runtime. Lowering it never interrupts running tasks.
package scheduler
