// Package comm provides the process group the clustering ranks run in.
//
// A Transport only knows two primitives, gather to rank 0 and broadcast
// from rank 0. Group builds the collectives the protocol needs on top of
// them (barrier, all-gather of indicator bitmaps and integer vectors) and
// Decide implements the coordinator pattern: rank 0 computes a value, the
// others receive it and never derive it themselves.
//
// Two transports are provided. NewLocalTransports connects goroutines of one
// process and backs RunLocal. DialGRPC connects separate processes over
// gRPC streams, with rank 0 serving as the hub.
//
// Collectives take a context and fail with ErrAborted once any rank has
// aborted the group, so a failed peer surfaces as an error on every rank
// instead of a hang at the next barrier.
package comm
