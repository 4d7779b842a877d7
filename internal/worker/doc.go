// Package worker runs session pipelines on a fixed number of goroutines.
//
// Submitted tasks wait in a FIFO queue until a worker is free. The queue is
// unbounded unless MaxPending is set, in which case Submit blocks while the
// queue is full. Each submission returns a Handle that reports completion.
package worker
