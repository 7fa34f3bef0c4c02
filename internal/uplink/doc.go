// Package uplink keeps a field agent connected to the coordinator.
//
// A Client dials GET /agents/ws?token=..., pushes the cached roster on every
// connect and executes command frames off the read loop. Each session keeps
// one writer goroutine; it sends protocol pings on a fixed cadence and a JSON
// ping after inbound silence. When the connection drops the client retries
// at a fixed interval. Command ids are remembered for a while so a replayed
// command is not executed twice.
package uplink
