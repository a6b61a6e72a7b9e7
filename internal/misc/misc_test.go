package misc

import "testing"

func TestRandomPort(t *testing.T) {
	for range 1000 {
		if p := RandomPort(); p < 1024 {
			t.Fatal("port below 1024: ", p)
		}
	}
}

func TestRandomNonZero(t *testing.T) {
	seen := make(map[uint32]bool)
	for range 100 {
		v := RandomNonZero()
		if v == 0 {
			t.Fatal("got zero")
		}
		seen[v] = true
	}
	if len(seen) < 90 {
		t.Fatal("values are suspiciously repetitive: ", len(seen))
	}
}
