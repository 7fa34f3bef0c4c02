// Package dedupe tracks recently seen keys with a TTL and a size bound.
//
// The gateway keys inbound correlated frames by FrameKey(agent, type,
// command_id) so a result re-delivered after a reconnect is dropped before it
// reaches the store. Agents key incoming commands the same way so a command
// already running or recently finished is not executed twice.
package dedupe
