package bundle

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func TestArchiveRoundTrip(t *testing.T) {
	data := Archive([]Entry{
		{Filename: "story.txt", MIME: "text/plain", Data: []byte("The Paper Boat\n\nA cat set sail.\n")},
		{Filename: "narration.mp3", MIME: "audio/mpeg", Data: []byte{0x49, 0x44, 0x33}},
	})
	if len(data) == 0 {
		t.Fatalf("empty archive")
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("file count = %d", len(zr.File))
	}

	want := map[string]string{
		"story.txt":     "The Paper Boat\n\nA cat set sail.\n",
		"narration.mp3": "\x49\x44\x33",
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		if string(content) != want[f.Name] {
			t.Fatalf("%s content = %q", f.Name, content)
		}
	}
}
