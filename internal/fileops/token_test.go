package fileops

import "testing"

func TestSignIsDeterministic(t *testing.T) {
	s := NewTokenSigner([]byte("secret"))
	payload := map[string]interface{}{"op": "delete", "src_rel_path": "a.txt", "size": 10}

	t1, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Fatalf("expected deterministic token, got %q and %q", t1, t2)
	}
}

func TestSignChangesWithAnyBoundField(t *testing.T) {
	s := NewTokenSigner([]byte("secret"))
	base := map[string]interface{}{"op": "delete", "src_rel_path": "a.txt", "size": 10, "mtime_ns": int64(1)}

	baseToken, _ := s.Sign(base)

	variants := []map[string]interface{}{
		{"op": "delete", "src_rel_path": "b.txt", "size": 10, "mtime_ns": int64(1)},
		{"op": "delete", "src_rel_path": "a.txt", "size": 11, "mtime_ns": int64(1)},
		{"op": "delete", "src_rel_path": "a.txt", "size": 10, "mtime_ns": int64(2)},
		{"op": "move", "src_rel_path": "a.txt", "size": 10, "mtime_ns": int64(1)},
	}
	for _, v := range variants {
		tok, err := s.Sign(v)
		if err != nil {
			t.Fatal(err)
		}
		if tok == baseToken {
			t.Errorf("expected token to change for variant %+v", v)
		}
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	s := NewTokenSigner([]byte("secret"))
	payload := map[string]interface{}{"op": "delete", "src_rel_path": "a.txt"}

	token, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.Verify(payload, token+"x")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected tampered token to fail verification")
	}
}

func TestVerifyAcceptsMatchingToken(t *testing.T) {
	s := NewTokenSigner([]byte("secret"))
	payload := map[string]interface{}{"op": "archive", "src_rel_path": "a.txt"}

	token, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.Verify(payload, token)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected matching token to verify")
	}
}

func TestCanonicalJSONKeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	ca, err := canonicalJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonicalJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical JSON regardless of map insertion order, got %q vs %q", ca, cb)
	}
}
