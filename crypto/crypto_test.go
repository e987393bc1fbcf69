package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "empty key", key: "", wantErr: "empty"},
		{name: "not base64", key: "%%%not-base64%%%", wantErr: "base64"},
		{name: "wrong length", key: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: "32 bytes"},
		{name: "valid key", key: testKey()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewAESEncryptor() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewAESEncryptor() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	secret := "oauth-refresh-token-value"
	stored, err := EncryptString(enc, secret)
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if stored == secret {
		t.Fatalf("ciphertext equals plaintext")
	}
	got, err := DecryptString(enc, stored)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != secret {
		t.Fatalf("round trip = %q, want %q", got, secret)
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey())
	stored, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	stored[len(stored)-1] ^= 0xff
	if _, err := enc.Decrypt(stored); err == nil {
		t.Fatalf("expected authentication failure on tampered ciphertext")
	}
}

func TestDecryptTruncated(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey())
	if _, err := enc.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected error on truncated ciphertext")
	}
}
