package sdk

import (
	"context"
	"fmt"

	"github.com/cleaker-dev/cleaker-ledger/internal/vault"
)

// SealedScope writes and reads values that are AES-GCM encrypted on
// the client side. The daemon only ever stores ciphertext; the key
// never leaves the caller.
type SealedScope struct {
	client *Client
	key    []byte
}

// Sealed returns a scope whose values are encrypted with a key
// derived from the passphrase.
func (c *Client) Sealed(passphrase string) *SealedScope {
	return &SealedScope{client: c, key: vault.DeriveKey(passphrase)}
}

// Append encrypts plaintext and writes it as the value of an
// expression block.
func (s *SealedScope) Append(ctx context.Context, expression, plaintext string) error {
	ciphertext, err := vault.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("sdk: seal value: %w", err)
	}
	_, err = s.client.Append(ctx, map[string]any{
		"expression": expression,
		"value":      ciphertext,
		"sealed":     true,
	})
	return err
}

// Resolve fetches a sealed expression and decrypts it.
func (s *SealedScope) Resolve(ctx context.Context, path string) (string, error) {
	value, err := s.client.Resolve(ctx, path)
	if err != nil {
		return "", err
	}
	ciphertext, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("sdk: sealed value at %q is not a string", path)
	}
	return vault.Decrypt(ciphertext, s.key)
}
