// Package task defines the durable data model of the task engine: the
// QueuedTask aggregate, its lifecycle statuses, the audit entities it owns,
// and the recurring execution spec.
//
// QueuedTask is the sole aggregate root. Audit rows reference their parent
// by id only; there are no back-pointers from audits to tasks.
//
// All timestamps handled by this package are normalized to UTC. Storage
// backends persist them with a zero offset.
package task
