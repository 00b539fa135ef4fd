// Package protocol owns the nodal exchange data model.
//
// Ownership boundary:
// - negotiated session shape (Config, Rotation)
// - kinematics and load records
// - error taxonomy shared by codec, transport and channel
package protocol
