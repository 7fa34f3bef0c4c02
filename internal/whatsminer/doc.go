// ABOUTME: Package documentation for the WhatsMiner device client.
// ABOUTME: Describes the summary query and the privileged command handshake.

// Package whatsminer speaks the WhatsMiner device API on TCP port 4028.
//
// Each request opens a connection, writes one JSON object and reads until the
// device closes. Summary sends {"cmd":"summary"} in the clear. Privileged
// commands first fetch a get_token challenge, derive an AES key and a sign
// from the admin password, then send the command as an encrypted envelope.
package whatsminer
