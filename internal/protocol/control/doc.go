// Package control owns the robot request/reply contract.
//
// Ownership boundary:
// - request/reply codes and their pairing
// - robot state wire values
// - request decode / reply encode over frame + tlv
//
// Request and reply codes share numbering: request N is answered by reply N
// on success. ROBOT_REP_ERROR (3) answers any rejected or failed request and
// is flagged with frame.FlagIsError.
package control
