// Package channel owns the nodal exchange session between the external code
// and the structural solver.
//
// Ownership boundary:
// - negotiation (hello / hello.ack) over a connected transport
// - the strict send/recv alternation and terminal exchange
// - session-owned load and kinematics buffers
//
// A Session is not safe for concurrent Send or Recv calls; Close may be
// called from any goroutine to unblock a pending call.
package channel
