// ABOUTME: Wire message types exchanged between the coordinator and field agents.
// ABOUTME: Every frame is a JSON object tagged by its "type" field.

package protocol

import (
	"encoding/json"
)

// Type is the value of the "type" tag carried by every frame.
type Type string

// Frame types sent in either direction.
const (
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// Frame types sent by agents.
const (
	TypeScanResult    Type = "scan_result"
	TypeMinerUpsert   Type = "miner_upsert"
	TypeCommandResult Type = "command_result"
)

// Command frame types sent by the coordinator.
const (
	TypeRescan       Type = "rescan"
	TypeRestart      Type = "restart"
	TypePowerOff     Type = "power_off"
	TypePowerOn      Type = "power_on"
	TypeUpdateWorker Type = "update_worker"
	TypeGetRealtime  Type = "get_realtime"
)

// IsCommand reports whether t is one of the coordinator-issued command types.
func (t Type) IsCommand() bool {
	switch t {
	case TypeRescan, TypeRestart, TypePowerOff, TypePowerOn, TypeUpdateWorker, TypeGetRealtime:
		return true
	}
	return false
}

// Result statuses an agent may report in a command_result frame.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Frame is implemented by every member of the closed message set.
// The unexported method keeps the set closed to this package.
type Frame interface {
	FrameType() Type
	frame()
}

// MinerInfo identifies a device on an agent's network.
type MinerInfo struct {
	MAC   string `json:"mac"`
	IP    string `json:"ip,omitempty"`
	Model string `json:"model,omitempty"`
}

// Ping is a liveness probe; either side may send it.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// ScanResult carries the devices discovered by a rescan command.
type ScanResult struct {
	CommandID  int64       `json:"command_id"`
	Discovered []MinerInfo `json:"discovered"`
}

// MinerUpsert is an unsolicited roster push from an agent.
type MinerUpsert struct {
	Miners []MinerInfo `json:"miners"`
}

// CommandResult reports the outcome of an action command.
type CommandResult struct {
	CommandID int64           `json:"command_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Command is a coordinator-issued instruction for an agent.
// Which fields go on the wire depends on Type; see MarshalJSON.
type Command struct {
	Type      Type
	CommandID int64
	MinerMAC  string
	Password  string
	Worker1   string
	Worker2   string
	Worker3   string
}

func (Ping) FrameType() Type           { return TypePing }
func (Pong) FrameType() Type           { return TypePong }
func (*ScanResult) FrameType() Type    { return TypeScanResult }
func (*MinerUpsert) FrameType() Type   { return TypeMinerUpsert }
func (*CommandResult) FrameType() Type { return TypeCommandResult }
func (c *Command) FrameType() Type     { return c.Type }

func (Ping) frame()           {}
func (Pong) frame()           {}
func (*ScanResult) frame()    {}
func (*MinerUpsert) frame()   {}
func (*CommandResult) frame() {}
func (*Command) frame()       {}

type typedFrame struct {
	Type Type `json:"type"`
}

// MarshalJSON implements json.Marshaler.
func (Ping) MarshalJSON() ([]byte, error) {
	return json.Marshal(typedFrame{Type: TypePing})
}

// MarshalJSON implements json.Marshaler.
func (Pong) MarshalJSON() ([]byte, error) {
	return json.Marshal(typedFrame{Type: TypePong})
}

// MarshalJSON implements json.Marshaler.
func (m *ScanResult) MarshalJSON() ([]byte, error) {
	discovered := m.Discovered
	if discovered == nil {
		discovered = []MinerInfo{}
	}
	return json.Marshal(struct {
		Type       Type        `json:"type"`
		CommandID  int64       `json:"command_id"`
		Discovered []MinerInfo `json:"discovered"`
	}{TypeScanResult, m.CommandID, discovered})
}

// MarshalJSON implements json.Marshaler.
func (m *MinerUpsert) MarshalJSON() ([]byte, error) {
	miners := m.Miners
	if miners == nil {
		miners = []MinerInfo{}
	}
	return json.Marshal(struct {
		Type   Type        `json:"type"`
		Miners []MinerInfo `json:"miners"`
	}{TypeMinerUpsert, miners})
}

// MarshalJSON implements json.Marshaler.
func (m *CommandResult) MarshalJSON() ([]byte, error) {
	result := m.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return json.Marshal(struct {
		Type      Type            `json:"type"`
		CommandID int64           `json:"command_id"`
		Status    string          `json:"status"`
		Result    json.RawMessage `json:"result"`
	}{TypeCommandResult, m.CommandID, m.Status, result})
}

type rescanFrame struct {
	Type      Type  `json:"type"`
	CommandID int64 `json:"command_id"`
}

type deviceFrame struct {
	Type      Type   `json:"type"`
	CommandID int64  `json:"command_id"`
	MinerMAC  string `json:"miner_mac"`
	Password  string `json:"password"`
}

type workerFrame struct {
	Type      Type   `json:"type"`
	CommandID int64  `json:"command_id"`
	MinerMAC  string `json:"miner_mac"`
	Password  string `json:"password"`
	Worker1   string `json:"worker1"`
	Worker2   string `json:"worker2"`
	Worker3   string `json:"worker3"`
}

type realtimeFrame struct {
	Type      Type   `json:"type"`
	CommandID int64  `json:"command_id"`
	MinerMAC  string `json:"miner_mac"`
}

// MarshalJSON emits only the fields defined for the command's type.
func (c *Command) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case TypeRescan:
		return json.Marshal(rescanFrame{c.Type, c.CommandID})
	case TypeRestart, TypePowerOff, TypePowerOn:
		return json.Marshal(deviceFrame{c.Type, c.CommandID, c.MinerMAC, c.Password})
	case TypeUpdateWorker:
		return json.Marshal(workerFrame{c.Type, c.CommandID, c.MinerMAC, c.Password, c.Worker1, c.Worker2, c.Worker3})
	case TypeGetRealtime:
		return json.Marshal(realtimeFrame{c.Type, c.CommandID, c.MinerMAC})
	default:
		return nil, &UnknownTypeError{Type: string(c.Type)}
	}
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
