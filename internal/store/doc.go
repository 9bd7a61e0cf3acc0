// Package store provides the policy store: the relational source of tag and
// filter rules that the reconciler mirrors onto each switch.
//
// Two backends implement the same surface:
//   - SQLite (Open), the default, created and migrated on open
//   - PostgreSQL (OpenPostgres), reading tables managed elsewhere
//
// # Tables
//
//	tag_table(id, switch_name, match, tag_value)
//	filter_table(id, switch_name, tag_value)
//
// match is JSON text (jsonb on PostgreSQL) mapping a match field name to a
// match value, e.g. {"hdr.ipv4.srcAddr": ["192.168.11.0", 24]}.
//
// # Ordering
//
// All rule reads MUST include ORDER BY id ASC. Row order feeds the
// fingerprint and the install order, so two reads of unchanged rows must
// return identical slices.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: concurrent reads while the CLI edits rules
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
