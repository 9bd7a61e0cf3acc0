// Package ir provides the shared vocabulary of switchsync: policy rows,
// intent records, match values, fingerprints and the error taxonomy.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types in decoded policy values - numbers are int64
//   - Canonical text (RFC 8785 style) is the ONLY serialization used for
//     fingerprinting; never hash json.Marshal output
//   - Intent records are immutable once produced by the source adapter
package ir
