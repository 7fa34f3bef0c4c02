// Package protocol defines the JSON frames exchanged over agent WebSocket
// connections.
//
// Frames are decoded once at the connection boundary into a closed set of
// Go types (Ping, Pong, *ScanResult, *MinerUpsert, *CommandResult, *Command)
// so handlers dispatch with an exhaustive type switch instead of comparing
// string tags.
package protocol
