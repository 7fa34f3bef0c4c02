// Package executor runs coordinator commands on the field agent.
//
// It keeps a cache of devices keyed by MAC, refreshed by a periodic scan and
// by rescan commands, and turns each command frame into exactly one reply
// frame that carries the original command id. Device failures are reported as
// failed command_result frames, never as errors.
package executor
