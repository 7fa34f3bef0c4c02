// ABOUTME: Decodes raw frames into the closed message set exactly once at the boundary.
// ABOUTME: Separate entry points for agent-originated and coordinator-originated frames.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decode errors. Callers treat all of them as protocol errors: log and drop.
var (
	ErrMalformed    = errors.New("malformed frame")
	ErrUnknownType  = errors.New("unknown frame type")
	ErrMissingField = errors.New("missing required field")
)

// UnknownTypeError carries the offending tag.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownType, e.Type)
}

// Unwrap lets errors.Is match ErrUnknownType.
func (e *UnknownTypeError) Unwrap() error {
	return ErrUnknownType
}

type envelope struct {
	Type      Type            `json:"type"`
	CommandID *int64          `json:"command_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`

	Discovered []MinerInfo `json:"discovered"`
	Miners     []MinerInfo `json:"miners"`

	MinerMAC string `json:"miner_mac"`
	Password string `json:"password"`
	Worker1  string `json:"worker1"`
	Worker2  string `json:"worker2"`
	Worker3  string `json:"worker3"`
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	return &env, nil
}

func (e *envelope) commandID() (int64, error) {
	if e.CommandID == nil || *e.CommandID <= 0 {
		return 0, fmt.Errorf("%w: command_id", ErrMissingField)
	}
	return *e.CommandID, nil
}

// DecodeAgentFrame decodes a frame received from an agent.
// Miner entries without a MAC are dropped individually.
func DecodeAgentFrame(data []byte) (Frame, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil

	case TypePong:
		return Pong{}, nil

	case TypeScanResult:
		id, err := env.commandID()
		if err != nil {
			return nil, err
		}
		return &ScanResult{CommandID: id, Discovered: cleanMiners(env.Discovered)}, nil

	case TypeMinerUpsert:
		if env.Miners == nil {
			return nil, fmt.Errorf("%w: miners", ErrMissingField)
		}
		return &MinerUpsert{Miners: cleanMiners(env.Miners)}, nil

	case TypeCommandResult:
		id, err := env.commandID()
		if err != nil {
			return nil, err
		}
		status := env.Status
		switch status {
		case "":
			status = ResultCompleted
		case ResultCompleted, ResultFailed:
		default:
			return nil, fmt.Errorf("%w: status %q", ErrMalformed, status)
		}
		result := env.Result
		if len(result) == 0 || string(result) == "null" {
			result = nil
		}
		return &CommandResult{CommandID: id, Status: status, Result: result}, nil

	default:
		return nil, &UnknownTypeError{Type: string(env.Type)}
	}
}

// DecodeCoordinatorFrame decodes a frame received from the coordinator.
func DecodeCoordinatorFrame(data []byte) (Frame, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch {
	case env.Type == TypePing:
		return Ping{}, nil
	case env.Type == TypePong:
		return Pong{}, nil
	case env.Type.IsCommand():
		id, err := env.commandID()
		if err != nil {
			return nil, err
		}
		return &Command{
			Type:      env.Type,
			CommandID: id,
			MinerMAC:  env.MinerMAC,
			Password:  env.Password,
			Worker1:   env.Worker1,
			Worker2:   env.Worker2,
			Worker3:   env.Worker3,
		}, nil
	default:
		return nil, &UnknownTypeError{Type: string(env.Type)}
	}
}

func cleanMiners(in []MinerInfo) []MinerInfo {
	out := make([]MinerInfo, 0, len(in))
	for _, m := range in {
		m.MAC = strings.TrimSpace(m.MAC)
		if m.MAC == "" {
			continue
		}
		m.IP = strings.TrimSpace(m.IP)
		m.Model = strings.TrimSpace(m.Model)
		out = append(out, m)
	}
	return out
}
