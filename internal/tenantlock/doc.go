// Package tenantlock implements the per-tenant lock state machine.
//
// A tenant is either Unlocked or Locked. Every transition writes its audit
// entry first, inside the same transaction as a version-checked swap of the
// lock record, so a transition that loses a race leaves no trace and a
// transition that wins is always audited. Locks carry a TTL; a lapsed lock
// is moved to Unlocked, with actor "system:ttl", the next time anyone reads
// or changes the record.
package tenantlock
