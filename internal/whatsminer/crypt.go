// ABOUTME: Key derivation and envelope encryption for privileged WhatsMiner API commands
// ABOUTME: MD5-crypt derived keys and AES-256-ECB with zero padding, as the firmware expects

package whatsminer

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const md5CryptMagic = "$1$"

const itoa64 = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// md5Crypt computes the FreeBSD MD5-crypt hash of password with salt,
// returning "$1$<salt>$<hash>". Salt is truncated to 8 bytes.
func md5Crypt(password, salt string) string {
	if len(salt) > 8 {
		salt = salt[:8]
	}
	pw := []byte(password)
	sl := []byte(salt)

	alt := md5.New()
	alt.Write(pw)
	alt.Write(sl)
	alt.Write(pw)
	altSum := alt.Sum(nil)

	h := md5.New()
	h.Write(pw)
	h.Write([]byte(md5CryptMagic))
	h.Write(sl)
	for i := len(pw); i > 0; i -= 16 {
		h.Write(altSum[:min(i, 16)])
	}
	for i := len(pw); i > 0; i >>= 1 {
		if i&1 != 0 {
			h.Write([]byte{0})
		} else {
			h.Write(pw[:1])
		}
	}
	final := h.Sum(nil)

	for i := 0; i < 1000; i++ {
		r := md5.New()
		if i&1 != 0 {
			r.Write(pw)
		} else {
			r.Write(final)
		}
		if i%3 != 0 {
			r.Write(sl)
		}
		if i%7 != 0 {
			r.Write(pw)
		}
		if i&1 != 0 {
			r.Write(final)
		} else {
			r.Write(pw)
		}
		final = r.Sum(nil)
	}

	var out strings.Builder
	out.WriteString(md5CryptMagic)
	out.WriteString(salt)
	out.WriteByte('$')
	for _, g := range [][3]int{{0, 6, 12}, {1, 7, 13}, {2, 8, 14}, {3, 9, 15}, {4, 10, 5}} {
		v := uint32(final[g[0]])<<16 | uint32(final[g[1]])<<8 | uint32(final[g[2]])
		to64(&out, v, 4)
	}
	to64(&out, uint32(final[11]), 2)
	return out.String()
}

func to64(b *strings.Builder, v uint32, n int) {
	for ; n > 0; n-- {
		b.WriteByte(itoa64[v&0x3f])
		v >>= 6
	}
}

// cryptTail returns the hash part of an MD5-crypt string.
func cryptTail(s string) string {
	parts := strings.Split(s, "$")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// deriveKeys turns the admin password and a get_token challenge into the
// AES key and the per-request sign.
func deriveKeys(password string, tok *tokenInfo) (aesKey [32]byte, sign string) {
	key := cryptTail(md5Crypt(password, tok.Salt))
	aesKey = sha256.Sum256([]byte(key))
	sign = cryptTail(md5Crypt(key+tok.Time, tok.NewSalt))
	return aesKey, sign
}

// sealECB encrypts plain with AES-256-ECB after zero padding and base64-encodes it.
func sealECB(key [32]byte, plain []byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	bs := block.BlockSize()
	padded := append([]byte{}, plain...)
	if rem := len(padded) % bs; rem != 0 {
		padded = append(padded, make([]byte, bs-rem)...)
	}
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// openECB reverses sealECB and strips trailing zero padding.
func openECB(key [32]byte, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	bs := block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, errors.New("envelope is not a whole number of blocks")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return bytes.TrimRight(out, "\x00"), nil
}
