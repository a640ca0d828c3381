package dirent

import (
	"testing"

	"kcore/errs"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	buf := make([]byte, Size)
	want := Entry{InUse: true, InodeSector: 42, Name: "hello.txt"}
	if err := Encode(buf, want); err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
	got := Decode(buf)
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeNotInUse(t *testing.T) {
	buf := make([]byte, Size)
	if err := Encode(buf, Entry{InUse: false, InodeSector: 7, Name: "stale"}); err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
	got := Decode(buf)
	if got.InUse {
		t.Fatal("expected InUse false")
	}
}

func TestEncodeRejectsOverlongName(t *testing.T) {
	buf := make([]byte, Size)
	long := make([]byte, NameMax+1)
	for i := range long {
		long[i] = 'a'
	}
	orig := make([]byte, Size)
	copy(orig, buf)

	if err := Encode(buf, Entry{Name: string(long)}); err != errs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
	for i := range buf {
		if buf[i] != orig[i] {
			t.Fatalf("buf modified on rejected encode at byte %d", i)
		}
	}
}

func TestPerSector(t *testing.T) {
	if PerSector(512) != 512/Size {
		t.Fatalf("unexpected PerSector result: %d", PerSector(512))
	}
}
