// Package audit emits permission decision and RBAC mutation records.
//
// # Overview
//
// Every permission check produces one Record carrying the user, the requested
// resource and action, the outcome and the role chain that decided it.
// Mutations of roles, permissions, hierarchy edges, assignments and elevations
// produce a Record naming the actor and the entity touched.
//
// Sinks are fire-and-forget from the caller's point of view: a failing sink
// is logged and never fails the decision or the mutation.
//
// # Sinks
//
//   - DBLogger: PostgreSQL permission_logs table, with Search and Prune
//   - FileLogger: newline-delimited JSON with size based rotation
//   - MemoryLogger: bounded in-process buffer
//   - MultiLogger: fan-out to several sinks, optionally asynchronous
//
// # Usage Example
//
//	file, err := audit.NewFileLogger(audit.DefaultFileLoggerConfig())
//	if err != nil {
//		return err
//	}
//	sink := audit.NewMultiLogger(file, audit.NewMemoryLogger(1000))
//	defer sink.Close()
//
//	sink.Log(ctx, &audit.Record{
//		EventType:    audit.EventTypePermissionCheck,
//		Status:       audit.EventStatusDenied,
//		UserID:       "u-1",
//		ResourceType: "asset",
//		Action:       "delete",
//		AttemptedAt:  time.Now().UTC(),
//		DeniedReason: "no matching permission",
//	})
//
// # Retention
//
// Sinks implementing Pruner drop records older than a RetentionPolicy cutoff;
// the warden-sweeper binary runs this on its schedule.
package audit
