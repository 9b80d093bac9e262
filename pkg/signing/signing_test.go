package signing

import "testing"

func TestSigner_SignVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner("key-1")
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello")
	sig := s.Sign(data)

	ok, err := s.Verify(data, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}

	ok, err = s.Verify([]byte("tampered"), sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected signature over different data to fail")
	}
}

func TestSigner_SignValueIsCanonical(t *testing.T) {
	s, err := NewSigner("key-1")
	if err != nil {
		t.Fatal(err)
	}
	v1 := map[string]interface{}{"a": 1, "b": 2}
	v2 := map[string]interface{}{"b": 2, "a": 1}

	sig1, err := s.SignValue(v1)
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := s.SignValue(v2)
	if err != nil {
		t.Fatal(err)
	}
	if sig1 != sig2 {
		t.Fatal("expected key-order-independent signatures for semantically identical maps")
	}
}

func TestVerifySnapshotSignature_AnyTrustAnchorMatches(t *testing.T) {
	payload := map[string]interface{}{"module_id": "m01", "version": "1.0.0"}
	sig, err := SignSnapshotHMAC(payload, "secret-b")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := VerifySnapshotSignature(payload, sig, []string{"secret-a", "secret-b", "secret-c"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a match against one of the trust anchors")
	}
}

func TestVerifySnapshotSignature_NoMatch(t *testing.T) {
	payload := map[string]interface{}{"module_id": "m01"}
	sig, err := SignSnapshotHMAC(payload, "secret-x")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := VerifySnapshotSignature(payload, sig, []string{"secret-a", "secret-b"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no match against unrelated trust anchors")
	}
}

func TestVerifySnapshotSignature_MalformedSignatureNeverMatches(t *testing.T) {
	payload := map[string]interface{}{"module_id": "m01"}
	ok, err := VerifySnapshotSignature(payload, "not-hex!!", []string{"secret-a"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected malformed signature to never match")
	}
}

func TestDeriveSaltVersion_Deterministic(t *testing.T) {
	secret := []byte("server-secret")
	a, err := DeriveSaltVersion("session-1", secret)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveSaltVersion("session-1", secret)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected deterministic salt_version for the same session id")
	}

	c, err := DeriveSaltVersion("session-2", secret)
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("expected different sessions to derive different salt_version values")
	}
}
