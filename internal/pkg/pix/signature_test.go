package pix

import "testing"

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"transaction.paid","transaction_id":"tx-123"}`)
	secret := "webhook-secret"

	sig := GenerateSignature(payload, secret)
	if sig == "" {
		t.Fatal("expected non-empty signature")
	}

	if !VerifySignature(payload, sig, secret) {
		t.Fatal("expected signature to verify")
	}
	if VerifySignature([]byte(`tampered`), sig, secret) {
		t.Fatal("did not expect tampered payload to verify")
	}
	if VerifySignature(payload, sig, "wrong-secret") {
		t.Fatal("did not expect wrong secret to verify")
	}
}

func TestVerifySignatureEmptyInputs(t *testing.T) {
	if VerifySignature([]byte("x"), "", "secret") {
		t.Fatal("empty signature must not verify")
	}
	if VerifySignature([]byte("x"), "abcd", "") {
		t.Fatal("empty secret must not verify")
	}
	if VerifySignature([]byte("x"), "not-hex!", "secret") {
		t.Fatal("malformed hex signature must not verify")
	}
}
