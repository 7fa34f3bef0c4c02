// Package gateway orchestrates the miner-gateway server components.
//
// # Overview
//
// The Gateway owns the store, the agent Manager, the command Service and the
// listeners. It serves three surfaces:
//
//   - GET /agents/ws?token= upgrades to a WebSocket and runs an agent.Session
//   - GET /agents/me?token= returns the agent's farm identity
//   - /api/... is the operator JSON API
//
// plus /health, /health/ready and, when server.grpc_addr is set, the
// standard grpc.health.v1.Health service.
//
// # Operator API
//
//	POST   /api/auth/login                 {email,password} -> {access_token,token_type}
//	GET    /api/auth/me
//	GET    /api/users                      admin
//	POST   /api/users                      admin
//	GET    /api/farms
//	POST   /api/farms                      {name}
//	GET    /api/farms/{id}
//	PATCH  /api/farms/{id}                 {name}
//	DELETE /api/farms/{id}
//	POST   /api/farms/{id}/agents          {name} -> agent + token (409 if the farm has one)
//	GET    /api/agents[?farm_id=]
//	GET    /api/agents/{id}                with online flag and miners
//	POST   /api/agents/{id}/commands       {type,miner_id,params}
//	POST   /api/agents/{id}/scan
//	GET    /api/agents/{id}/commands[?status=&limit=]
//	POST   /api/agents/{id}/miners/register [{mac,ip,model}]
//	GET    /api/miners[?farm_id=&agent_id=]
//	GET    /api/miners/{id}
//	PATCH  /api/miners/{id}                {worker1,worker2,worker3,password}
//	POST   /api/miners/{id}/{restart|power_off|power_on|update_worker}
//	GET    /api/miners/{id}/realtime
//	GET    /api/commands/{id}
//
// When auth.jwt_secret is empty the API is unauthenticated.
//
// Errors are {"error": "..."} with 400 for validation, 404 for unknown
// records, 409 for duplicates and an in-flight scan.
//
// # Lifecycle
//
// Run opens listeners (TCP, or tsnet when tailscale is enabled), serves until
// the context is cancelled, then calls Shutdown. Shutdown cancels outstanding
// scan waits and closes agent sockets with 1001 before stopping the servers
// and closing the store.
package gateway
