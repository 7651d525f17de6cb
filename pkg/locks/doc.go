// Package locks provides named mutual exclusion for RBAC mutations that must
// not interleave, such as hierarchy edge insertion.
//
// LocalLocker serializes callers inside one process. RedisLocker extends the
// same guarantee across instances sharing a Redis server, using SET NX with a
// per-holder token and a compare-and-delete release script.
//
//	unlock, err := locker.Lock(ctx, "rbac:hierarchy")
//	if err != nil {
//		return err
//	}
//	defer unlock()
package locks
