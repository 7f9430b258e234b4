package encryption

import (
	"encoding/base64"
	"fmt"
)

// KeyManager wraps conversation keys for storage. Keys are stored
// wrapped under a key derived from the configured master secret, so a
// dump of the conversations table alone does not expose them.
type KeyManager struct {
	wrappingKey []byte
}

func NewKeyManager(masterSecret string) (*KeyManager, error) {
	wrappingKey, err := DeriveWrappingKey(masterSecret)
	if err != nil {
		return nil, err
	}
	return &KeyManager{wrappingKey: wrappingKey}, nil
}

// NewConversationKey generates a conversation key and returns both the
// raw key and its wrapped storage form.
func (m *KeyManager) NewConversationKey() (key []byte, stored string, err error) {
	key, err = GenerateKey()
	if err != nil {
		return nil, "", err
	}
	stored, err = m.WrapConversationKey(key)
	if err != nil {
		return nil, "", err
	}
	return key, stored, nil
}

// WrapConversationKey seals a raw key into its base64 storage form.
func (m *KeyManager) WrapConversationKey(key []byte) (string, error) {
	blob, err := WrapKey(key, m.wrappingKey)
	if err != nil {
		return "", fmt.Errorf("failed to wrap conversation key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// UnwrapConversationKey recovers the raw key from its storage form.
func (m *KeyManager) UnwrapConversationKey(stored string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decode conversation key: %w", err)
	}
	key, err := UnwrapKey(blob, m.wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap conversation key: %w", err)
	}
	return key, nil
}
