// Package auth provides authentication and authorization for miner-gateway.
//
// # Operators
//
// Operators log in with email and password (bcrypt hashes, see Login) and
// receive an HS256 JWT whose "sub" claim is their user ID. HTTPAuthMiddleware
// validates the token on every API request, loads the user, and attaches an
// AuthContext; RequireAdminHTTP gates admin-only routes.
//
// # Agents
//
// Field agents authenticate their WebSocket connection with an opaque token
// passed in the connection URL. AgentTokenAuthenticator resolves the token to
// the agent record; tokens are created with GenerateAgentToken when an agent
// is registered for a farm.
package auth
