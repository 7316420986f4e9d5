package crypto

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	material := &GuardianMaterial{
		PrivateKey: "9a2f...private",
		Polynomial: "coeffs:1,2,3",
	}

	blob, err := EncryptMaterial(material, "correct horse")
	if err != nil {
		t.Fatalf("EncryptMaterial failed: %v", err)
	}

	got, err := DecryptMaterial(blob, "correct horse")
	if err != nil {
		t.Fatalf("DecryptMaterial failed: %v", err)
	}
	if got.PrivateKey != material.PrivateKey || got.Polynomial != material.Polynomial {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	blob, err := EncryptMaterial(&GuardianMaterial{PrivateKey: "k"}, "right")
	if err != nil {
		t.Fatalf("EncryptMaterial failed: %v", err)
	}

	_, err = DecryptMaterial(blob, "wrong")
	if !errors.Is(err, ErrInvalidPassphrase) {
		t.Errorf("expected ErrInvalidPassphrase, got %v", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	blob, err := EncryptMaterial(&GuardianMaterial{PrivateKey: "k"}, "pass")
	if err != nil {
		t.Fatalf("EncryptMaterial failed: %v", err)
	}

	blob.Ciphertext = "AAAA" + blob.Ciphertext[4:]
	if _, err := DecryptMaterial(blob, "pass"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Errorf("expected ErrInvalidPassphrase for tampered blob, got %v", err)
	}
}

func TestEncryptEmptyPassphraseRejected(t *testing.T) {
	if _, err := EncryptMaterial(&GuardianMaterial{}, ""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestDecryptUnsupportedVersion(t *testing.T) {
	blob, err := EncryptMaterial(&GuardianMaterial{PrivateKey: "k"}, "pass")
	if err != nil {
		t.Fatalf("EncryptMaterial failed: %v", err)
	}
	blob.Version = 99

	if _, err := DecryptMaterial(blob, "pass"); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}
