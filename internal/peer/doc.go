// Package peer drives a negotiated channel.Session through the coupling
// loop on either side. The external loop turns received kinematics into
// spring-damper loads; the solver loop answers every load frame with a
// prescribed harmonic motion. Both are reference peers for exercising a
// real coupling partner and for loopback runs.
package peer
