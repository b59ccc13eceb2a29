// Package convergence decides when affinity propagation has settled.
//
// Every iteration each point either flags itself as an exemplar or not. The
// Tracker keeps the last conv_iter indicator vectors as roaring bitmaps;
// the run has converged once a full window agrees bit for bit (the AND of
// the window equals its OR) and at least one exemplar exists.
package convergence
