// Package resolve turns the exemplar indicator vector of a finished
// affinity propagation run into cluster labels.
//
// Resolution runs in three collective steps:
//
//  1. Assign: every point gets the label of its most similar flagged
//     exemplar. Exemplars keep their own label.
//  2. Refine: inside every cluster the member with the largest summed
//     similarity from the other members becomes the exemplar.
//  3. Assign again against the refined, sorted exemplars, so label k
//     refers to Exemplars[k].
//
// The similarity matrix is read as stored; the preference diagonal plays
// no part in resolution.
package resolve
