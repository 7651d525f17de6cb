// Package async provides safe concurrent execution primitives.
//
// SafeGo runs a fire-and-forget task with panic recovery, a timeout and
// error logging; warden uses it to emit audit records without delaying the
// decision or mutation that produced them.
//
// Batch fans a slice of items out over a bounded number of goroutines and
// reports one error per item in input order, which bulk RBAC operations use
// to return per-item results.
package async
