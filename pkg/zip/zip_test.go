package zip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func TestArchiveAssetsRoundTrip(t *testing.T) {
	raw, err := ArchiveAssets([]Asset{
		{Filename: "final.mp4", MIME: "video/mp4", Data: []byte("final")},
		{Filename: "segment.mp4", MIME: "video/mp4", Data: []byte("one")},
		{Filename: "segment.mp4", MIME: "video/mp4", Data: []byte("two")},
	})
	if err != nil {
		t.Fatalf("ArchiveAssets: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	want := map[string]string{"final.mp4": "final", "segment.mp4": "one", "1-segment.mp4": "two"}
	if len(zr.File) != len(want) {
		t.Fatalf("got %d entries, want %d", len(zr.File), len(want))
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		body, _ := io.ReadAll(rc)
		rc.Close()
		if want[f.Name] != string(body) {
			t.Fatalf("%s = %q, want %q", f.Name, body, want[f.Name])
		}
		if f.Method != zip.Store {
			t.Fatalf("%s method = %d, want store", f.Name, f.Method)
		}
	}
}
