// Package behavior answers questions about a user's event history: has an
// event happened, how often, in what order, across how many calendar
// periods, and whether a habit stopped or restarted.
//
// Every query is stateless and reads through the store's indexed filters
// (user, name, time range); property predicates and the sequence/bucket
// algorithms run in Go over the decoded rows. Scans are bounded to the
// MaxScan most recent matching events, which is the accepted accuracy
// tradeoff for an on-device engine: history past the bound is invisible to
// queries, not an error.
//
// Calendar bucketing (ActivePeriods) uses UTC calendar components only.
// Day buckets are UTC dates, week buckets are ISO weeks, month and year
// buckets are UTC calendar months and years. Timezone and DST shifts
// inside the window are deliberately not modelled.
package behavior
