package httpmiddleware

import "testing"

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	l := NewSimpleTokenBucket(3, 60)

	for n := 0; n < 3; n++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d rejected under capacity", n)
		}
	}
	if l.allow("10.0.0.1") {
		t.Error("request accepted past capacity")
	}
	// A different client has its own bucket.
	if !l.allow("10.0.0.2") {
		t.Error("separate client shared a bucket")
	}
}
