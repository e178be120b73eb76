package store

import "testing"

func TestCredentialBoxSealOpenRoundTrip(t *testing.T) {
	box, err := NewCredentialBox()
	if err != nil {
		t.Fatalf("new credential box: %v", err)
	}
	sealed, err := box.Seal("upstream-client-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(sealed) == "upstream-client-secret" {
		t.Fatal("sealed value must not equal the plaintext")
	}
	plaintext, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plaintext != "upstream-client-secret" {
		t.Fatalf("expected round-tripped secret, got %q", plaintext)
	}
}

func TestCredentialBoxRejectsForeignCiphertext(t *testing.T) {
	boxA, _ := NewCredentialBox()
	boxB, _ := NewCredentialBox()
	sealed, err := boxA.Seal("secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := boxB.Open(sealed); err == nil {
		t.Fatal("expected a different box's identity to fail to open the ciphertext")
	}
}
