// Package secrets encrypts device passwords before they are stored.
//
// Values are sealed with XChaCha20-Poly1305 under a key derived from the
// gateway's secrets.key with PBKDF2-SHA256, and encoded as unpadded
// base64url of nonce||ciphertext. Plaintext is only produced immediately
// before a command frame is sent to an agent.
package secrets
