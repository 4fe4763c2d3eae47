// Package value provides the closed property-value representation used
// throughout meander.
//
// This package contains type definitions and conversions only. All other
// internal packages import value; value imports nothing internal. This keeps
// it the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Values are one of Null, Bool, Number, String, List, Object; nothing else
//   - Number is float64-backed to round-trip arbitrary JSON numbers
//   - Object iteration order is undefined; use SortedKeys for determinism
//   - Canonical serialization (sorted keys, NFC strings) is the only form
//     used for equality and change detection
package value
