// Package harness runs reconciler scenarios against fake switches.
//
// A scenario edits the policy store, runs fleet cycles and unplugs
// switches or the store, then checks the recorded trace and the tables
// left on each switch. Every run uses a fresh SQLite store in a temp
// directory, a fixed cycle id and a step clock, so the same scenario
// always produces the same trace and traces can be compared against
// golden files.
//
// # Scenario Format
//
//	name: tag_then_filter
//	description: "A filter row resyncs the tag table too"
//	devices:
//	  - name: s1
//	    static: |
//	      {"table_entries": [...]}
//	steps:
//	  - add_tag: {switch: s1, match: '{"hdr.ipv4.srcAddr": ["10.0.1.0", 24]}', value: 7}
//	  - cycle: {expect: {s1: resynced}}
//	  - unplug: s1
//	  - store_down: true
//	  - remove: {class: tag, id: 1}
//	assertions:
//	  - type: trace_contains
//	    event: {type: write, device: s1, op: INSERT}
//	  - type: table_entries
//	    device: s1
//	    table: MyEgress.set_dscp_tag
//	    count: 1
//
// # Assertion Types
//
//   - trace_contains: some event matches
//   - trace_count: exactly Count events match
//   - trace_order: the events match in order, others may come between
//   - table_entries: a switch holds Count entries in a table
//   - synced: a switch's last cycle left it synced
//
// Every run writes all switches in configuration order with parallelism
// 1, so traces are deterministic.
package harness
