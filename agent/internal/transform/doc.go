// Package transform implements the ordered operator pipeline applied to raw
// source records before validation.
//
// Operators:
//   - map: copies values from source paths to target fields (dotted lookup)
//     and appends static tags to the record's "tags" list
//   - filter: keeps records matching every condition; removals count as skipped
//   - aggregate: groups by a field tuple and computes sum/average/min/max/
//     count/distinct_count per output field
//   - calculate: evaluates a formula per record into an output field; a failed
//     formula leaves the record untouched and counts one error
//
// Operators run in ascending Order (ties keep declaration order). An operator
// that fails as a whole (bad config, panic) counts one error and the pipeline
// continues with that stage's input.
package transform
