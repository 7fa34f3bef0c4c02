// ABOUTME: Agent connection tokens: generation and lookup-based authentication
// ABOUTME: Tokens are opaque random strings stored on the agent record

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/2389/miner-gateway/internal/store"
)

// agentTokenBytes is the entropy of a generated agent token
const agentTokenBytes = 32

// GenerateAgentToken returns a new random URL-safe agent token
func GenerateAgentToken() (string, error) {
	b := make([]byte, agentTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating agent token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// AgentLookup finds agents by connection token
type AgentLookup interface {
	GetAgentByToken(ctx context.Context, token string) (*store.Agent, error)
}

// AgentTokenAuthenticator authenticates agent connections by token
type AgentTokenAuthenticator struct {
	agents AgentLookup
}

// NewAgentTokenAuthenticator creates an authenticator backed by agents
func NewAgentTokenAuthenticator(agents AgentLookup) *AgentTokenAuthenticator {
	return &AgentTokenAuthenticator{agents: agents}
}

// AuthenticateAgent returns the agent holding token.
// Returns ErrInvalidToken when no agent holds it.
func (a *AgentTokenAuthenticator) AuthenticateAgent(ctx context.Context, token string) (*store.Agent, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	agent, err := a.agents.GetAgentByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent token: %w", err)
	}
	return agent, nil
}
