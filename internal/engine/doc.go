// Package engine keeps a fleet of P4Runtime switches in line with the
// policy store.
//
// ARCHITECTURE:
//
// Per-device state machine:
// Every switch moves through bring-up (connect, mastership, schema,
// pipeline, static entries) and then a reconciliation cycle per poll
// interval. A device's state is owned by whoever works on that device in
// the current cycle; no two goroutines touch one DeviceState at once.
//
// Cycle Flow:
//  1. Fleet checks the policy store, redialing it if the connection broke
//  2. Each device is brought up if it has no state yet
//  3. Reconciler fingerprints the device's rows and skips it if unchanged
//  4. Otherwise managed tables are cleared and every intent reinstalled
//  5. Configured counters are read and reported
//
// Failure Isolation:
// Errors never cross the device boundary. A failed device gets an explicit
// failed Result and the other devices carry on. Panics are recovered per
// device and reported as PanicError.
//
// CRITICAL PATTERNS:
//
// Fingerprint gate:
// A device whose rows hash to the fingerprint it last synced is not read
// or written. A failed resync keeps the old fingerprint, so the next cycle
// retries in full.
//
// Managed tables only:
// Entries in tables outside managed_tables are never deleted or modified,
// and default entries are never deleted.
//
// Exclusion:
// MASTERSHIP_DENIED removes a device for the rest of the run. Every other
// failure is retried on the next cycle; DEVICE_UNREACHABLE also drops the
// connection so the device is brought up again from scratch.
package engine
