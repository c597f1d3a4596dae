// Package robot owns the robot lifecycle state machine.
//
// Ownership boundary:
// - the transition table and the current State
// - SessionContext storage (user and config association)
// - the Backend capability and its timeout decorator
// - the bounded transition history
//
// A Machine is not safe for concurrent use. The controller owns exactly one
// Machine and one Session per robot and drives them from a single goroutine.
package robot
