// Package store provides TTL-keyed concurrent storage for the challenge
// engine: sessions, challenges, pending tokens and used-token markers.
//
// The Store interface is the single seam through which all engine state
// flows, so the atomicity requirements (in particular the check-and-mark
// transition on single-use markers) live behind one boundary that unit
// tests can replace with a fake. A background Scheduler sweeps expired
// entries from every registered collection at a fixed interval.
package store
