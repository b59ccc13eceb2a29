// Package conv provides checked integer conversions.
//
// Dataset headers, spill frame headers and archive payloads are decoded from
// untrusted bytes; their counts and offsets pass through these helpers before
// they size an allocation. Loop indices bounded by a validated N use direct
// casts instead.
package conv
