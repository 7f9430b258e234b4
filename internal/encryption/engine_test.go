package encryption

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("Expected %d byte key, got %d", KeySize, len(key))
	}

	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Fatal("Expected distinct keys on successive calls")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, _ := GenerateKey()

	plaintexts := []string{
		"hi",
		"",
		"a longer message with unicode: héllo wörld 🙂",
		"line\nbreaks\tand\ttabs",
	}

	for _, p := range plaintexts {
		env, err := Encrypt(p, key)
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", p, err)
		}

		raw, err := env.Marshal()
		if err != nil {
			t.Fatalf("Marshal error: %v", err)
		}
		parsed, err := ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("ParseEnvelope error: %v", err)
		}

		got, err := Decrypt(parsed, key)
		if err != nil {
			t.Fatalf("Decrypt(%q) error: %v", p, err)
		}
		if got != p {
			t.Errorf("Round trip mismatch: got %q, want %q", got, p)
		}
	}
}

func TestEncrypt_UniqueIVs(t *testing.T) {
	key, _ := GenerateKey()

	a, _ := Encrypt("same message", key)
	b, _ := Encrypt("same message", key)

	if a.IV == b.IV {
		t.Fatal("Expected a fresh IV per call")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Fatal("Expected distinct ciphertexts for the same plaintext")
	}
}

func TestDecrypt_TamperRejection(t *testing.T) {
	key, _ := GenerateKey()
	env, _ := Encrypt("sensitive content", key)

	flipField := func(field string) string {
		raw, _ := base64.StdEncoding.DecodeString(field)
		raw[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	tests := []struct {
		name   string
		mutate func(e Envelope) Envelope
	}{
		{"ciphertext bit flip", func(e Envelope) Envelope { e.Ciphertext = flipField(e.Ciphertext); return e }},
		{"iv bit flip", func(e Envelope) Envelope { e.IV = flipField(e.IV); return e }},
		{"auth tag bit flip", func(e Envelope) Envelope { e.AuthTag = flipField(e.AuthTag); return e }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := tt.mutate(*env)
			_, err := Decrypt(&tampered, key)
			if err != ErrDecryptionFailed {
				t.Fatalf("Expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()

	env, _ := Encrypt("secret", key)
	_, err := Decrypt(env, other)
	if err != ErrDecryptionFailed {
		t.Fatalf("Expected ErrDecryptionFailed, got %v", err)
	}
}

func TestHash(t *testing.T) {
	a := Hash("hello")
	b := Hash("hello")
	c := Hash("hello!")

	if a != b {
		t.Error("Expected stable digests for equal input")
	}
	if a == c {
		t.Error("Expected different digests for different input")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	wrapping, err := DeriveWrappingKey("master-secret")
	if err != nil {
		t.Fatalf("DeriveWrappingKey error: %v", err)
	}

	key, _ := GenerateKey()
	blob, err := WrapKey(key, wrapping)
	if err != nil {
		t.Fatalf("WrapKey error: %v", err)
	}

	got, err := UnwrapKey(blob, wrapping)
	if err != nil {
		t.Fatalf("UnwrapKey error: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("Unwrapped key does not match original")
	}
}

func TestUnwrapKey_Tampered(t *testing.T) {
	wrapping, _ := DeriveWrappingKey("master-secret")
	key, _ := GenerateKey()
	blob, _ := WrapKey(key, wrapping)

	blob[len(blob)-1] ^= 0x01
	if _, err := UnwrapKey(blob, wrapping); err != ErrDecryptionFailed {
		t.Fatalf("Expected ErrDecryptionFailed, got %v", err)
	}

	if _, err := UnwrapKey([]byte("short"), wrapping); err != ErrDecryptionFailed {
		t.Fatalf("Expected ErrDecryptionFailed for short blob, got %v", err)
	}
}

func TestDeriveWrappingKey_Deterministic(t *testing.T) {
	a, _ := DeriveWrappingKey("secret")
	b, _ := DeriveWrappingKey("secret")
	c, _ := DeriveWrappingKey("other")

	if !bytes.Equal(a, b) {
		t.Error("Expected the same derived key for the same secret")
	}
	if bytes.Equal(a, c) {
		t.Error("Expected different derived keys for different secrets")
	}
}
