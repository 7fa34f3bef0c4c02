// ABOUTME: WhatsMiner device API client over TCP port 4028
// ABOUTME: Read-only summary queries and token-authenticated privileged commands

package whatsminer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrCommandFailed is returned when the device rejects a command.
var ErrCommandFailed = errors.New("device rejected command")

// Defaults
const (
	DefaultPort    = 4028
	DefaultTimeout = 10 * time.Second

	// maxResponse bounds a single device reply
	maxResponse = 1 << 20
)

// Privileged API commands.
const (
	CmdRestart     = "restart_btminer"
	CmdPowerOff    = "power_off"
	CmdPowerOn     = "power_on"
	CmdUpdatePools = "update_pools"
)

// Summary is the identifying and health data of one device.
type Summary struct {
	MAC         string   `json:"mac"`
	IP          string   `json:"ip,omitempty"`
	Model       string   `json:"model,omitempty"`
	Hashrate    *float64 `json:"hashrate,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Elapsed     *float64 `json:"elapsed,omitempty"`
	Accepted    *float64 `json:"accepted,omitempty"`
	Rejected    *float64 `json:"rejected,omitempty"`
}

// Client talks to WhatsMiner devices. One TCP connection is used per request.
type Client struct {
	port    int
	timeout time.Duration
}

// NewClient creates a Client. Zero values take defaults.
func NewClient(port int, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{port: port, timeout: timeout}
}

// reply is the common envelope of device responses.
type reply struct {
	Status string          `json:"STATUS"`
	Code   int             `json:"Code"`
	Msg    json.RawMessage `json:"Msg"`
	Enc    string          `json:"enc"`
}

type tokenInfo struct {
	Time    string `json:"time"`
	Salt    string `json:"salt"`
	NewSalt string `json:"newsalt"`
}

func (c *Client) roundTrip(ctx context.Context, ip string, req any) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(c.port)))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", ip, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("writing to %s: %w", ip, err)
	}
	// The device closes the connection after its reply.
	data, err := io.ReadAll(io.LimitReader(conn, maxResponse))
	if err != nil && len(data) == 0 {
		return nil, fmt.Errorf("reading from %s: %w", ip, err)
	}
	return data, nil
}

// Summary queries the read-only summary of the device at ip.
func (c *Client) Summary(ctx context.Context, ip string) (*Summary, error) {
	data, err := c.roundTrip(ctx, ip, map[string]string{"cmd": "summary"})
	if err != nil {
		return nil, err
	}
	s, err := ParseSummary(data)
	if err != nil {
		return nil, fmt.Errorf("summary from %s: %w", ip, err)
	}
	if s.IP == "" {
		s.IP = ip
	}
	return s, nil
}

// ParseSummary extracts a Summary from a {"SUMMARY":[{...}]} reply.
func ParseSummary(data []byte) (*Summary, error) {
	var body struct {
		Summary []map[string]any `json:"SUMMARY"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decoding summary: %w", err)
	}
	if len(body.Summary) == 0 {
		return nil, errors.New("summary missing")
	}
	row := body.Summary[0]

	s := &Summary{
		MAC:         field(row, "MAC", "mac"),
		IP:          field(row, "IP", "ip"),
		Model:       field(row, "Model", "model"),
		Hashrate:    number(row, "GHS 5s"),
		Temperature: number(row, "Temperature"),
		Elapsed:     number(row, "Elapsed"),
		Accepted:    number(row, "Accepted"),
		Rejected:    number(row, "Rejected"),
	}
	if s.MAC == "" {
		return nil, errors.New("summary has no MAC")
	}
	return s, nil
}

func field(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func number(row map[string]any, key string) *float64 {
	switch v := row[key].(type) {
	case float64:
		return &v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}

func (c *Client) token(ctx context.Context, ip string) (*tokenInfo, error) {
	data, err := c.roundTrip(ctx, ip, map[string]string{"cmd": "get_token"})
	if err != nil {
		return nil, err
	}
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding token reply: %w", err)
	}
	if err := r.err("get_token"); err != nil {
		return nil, err
	}
	var tok tokenInfo
	if err := json.Unmarshal(r.Msg, &tok); err != nil || tok.Salt == "" || tok.NewSalt == "" {
		return nil, fmt.Errorf("%w: get_token returned no challenge", ErrCommandFailed)
	}
	return &tok, nil
}

func (r *reply) err(cmd string) error {
	if r.Status != "E" {
		return nil
	}
	var msg string
	if err := json.Unmarshal(r.Msg, &msg); err != nil {
		msg = string(r.Msg)
	}
	return fmt.Errorf("%w: %s: %s (code %d)", ErrCommandFailed, cmd, msg, r.Code)
}

// Exec runs a privileged command on the device at ip using the admin password.
// Power and restart commands ask the device to reply before acting.
func (c *Client) Exec(ctx context.Context, ip, password, cmd string, params map[string]string) (json.RawMessage, error) {
	tok, err := c.token(ctx, ip)
	if err != nil {
		return nil, err
	}
	aesKey, sign := deriveKeys(password, tok)

	body := map[string]string{}
	for k, v := range params {
		body[k] = v
	}
	body["cmd"] = cmd
	body["token"] = sign
	switch cmd {
	case CmdRestart, CmdPowerOff, CmdPowerOn:
		body["respbefore"] = "true"
	}

	plain, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", cmd, err)
	}
	sealed, err := sealECB(aesKey, plain)
	if err != nil {
		return nil, err
	}

	data, err := c.roundTrip(ctx, ip, map[string]any{"enc": 1, "data": sealed})
	if err != nil {
		return nil, err
	}

	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding %s reply: %w", cmd, err)
	}
	if r.Enc != "" {
		opened, err := openECB(aesKey, r.Enc)
		if err != nil {
			return nil, fmt.Errorf("opening %s reply: %w", cmd, err)
		}
		data = opened
		r = reply{}
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decoding %s reply: %w", cmd, err)
		}
	}
	if err := r.err(cmd); err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
