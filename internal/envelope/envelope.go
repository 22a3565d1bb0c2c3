// Package envelope builds the outbound payload bodies the agent POSTs to the
// control server. Every payload is serialized to JSON; in secure mode the
// JSON is additionally encrypted with the agent's machine name as the key,
// base64-encoded, and wrapped in a one-field envelope.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"
)

// EncryptedPayload wraps a base64-encoded ciphertext for transport.
type EncryptedPayload struct {
	Payload string `json:"Payload"`
}

// Codec encodes payloads for upload. The zero value produces plaintext JSON.
type Codec struct {
	// Secure switches on the encrypt-and-wrap path.
	Secure bool

	// WorkFactor overrides the scrypt work factor (log2 N). Zero keeps the
	// age default; tests lower it to stay fast.
	WorkFactor int
}

// Encode serializes v and, in secure mode, encrypts it with key and wraps the
// base64 ciphertext in an EncryptedPayload. The ordering is fixed:
// serialize, encrypt, base64, re-wrap, serialize again.
func (c Codec) Encode(v any, key string) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if !c.Secure {
		return plain, nil
	}

	ciphertext, err := c.encrypt(plain, key)
	if err != nil {
		return nil, err
	}

	wrapped := EncryptedPayload{Payload: base64.StdEncoding.EncodeToString(ciphertext)}
	body, err := json.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

// Decode reverses the secure path: it unwraps an EncryptedPayload, base64
// decodes it, and decrypts with key, returning the original JSON bytes.
func (c Codec) Decode(data []byte, key string) ([]byte, error) {
	var wrapped EncryptedPayload
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(wrapped.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	identity, err := age.NewScryptIdentity(key)
	if err != nil {
		return nil, fmt.Errorf("derive identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plain, nil
}

func (c Codec) encrypt(plain []byte, key string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(key)
	if err != nil {
		return nil, fmt.Errorf("derive recipient: %w", err)
	}
	if c.WorkFactor > 0 {
		recipient.SetWorkFactor(c.WorkFactor)
	}

	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	if _, err := writer.Write(plain); err != nil {
		return nil, fmt.Errorf("write plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}
