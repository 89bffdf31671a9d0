package decoder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
)

func sampleRecord(i int) models.Record {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return models.Record{
		EventID:     fmt.Sprintf("ev-%d", i),
		UpdateID:    fmt.Sprintf("up-%d", i),
		ContractID:  fmt.Sprintf("c-%d", i),
		TemplateID:  "Splice.DsoRules:VoteRequest",
		EventType:   models.EventCreated,
		EffectiveAt: base.Add(time.Duration(i) * time.Second),
		RecordedAt:  base.Add(time.Duration(i) * time.Second),
	}
}

func writeTestFile(t *testing.T, name string, batches [][]models.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := WriteFile(path, batches); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func readAll(t *testing.T, path string) []models.Record {
	t.Helper()
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	var out []models.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func TestDecodeFramesInOrder(t *testing.T) {
	t.Parallel()

	// 3 frames of 4 records each; the iterator must yield all 12 in order.
	var batches [][]models.Record
	n := 0
	for f := 0; f < 3; f++ {
		var batch []models.Record
		for k := 0; k < 4; k++ {
			batch = append(batch, sampleRecord(n))
			n++
		}
		batches = append(batches, batch)
	}
	path := writeTestFile(t, "events-0001.bin", batches)

	got := readAll(t, path)
	if len(got) != 12 {
		t.Fatalf("got %d records, want 12", len(got))
	}
	for i, rec := range got {
		if rec.EventID != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("record %d out of order: %s", i, rec.EventID)
		}
	}
}

func TestDecodeTruncatedTrailingFrame(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, "events-0002.bin", [][]models.Record{
		{sampleRecord(0), sampleRecord(1)},
		{sampleRecord(2)},
	})

	// Chop the last 5 bytes so the final frame is torn.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	torn := filepath.Join(t.TempDir(), "events-torn.bin")
	if err := os.WriteFile(torn, data[:len(data)-5], 0o644); err != nil {
		t.Fatal(err)
	}

	got := readAll(t, torn)
	// Only the first intact frame survives.
	if len(got) != 2 {
		t.Fatalf("got %d records after truncation, want 2", len(got))
	}
}

func TestDecodeImplausibleLengthIsEOF(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, "events-0003.bin", [][]models.Record{{sampleRecord(0)}})
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	var huge [4]byte
	binary.BigEndian.PutUint32(huge[:], uint32(MaxFrameSize+1))
	f.Write(huge[:])
	f.Write([]byte("garbage"))
	f.Close()

	got := readAll(t, path)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
}

func TestDecodeEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events-empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, path); len(got) != 0 {
		t.Fatalf("got %d records from empty file, want 0", len(got))
	}
}

func TestFileType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{"raw/events-2024.bin", models.FileTypeEvents},
		{"raw/migration=2/updates-77.bin", models.FileTypeUpdates},
		{`raw\migration=2\events-77.bin`, models.FileTypeEvents},
		{"raw/snapshot-1.bin", ""},
		{"events-plain", models.FileTypeEvents},
	}
	for _, tc := range cases {
		if got := FileType(tc.path); got != tc.want {
			t.Fatalf("FileType(%q)=%q want %q", tc.path, got, tc.want)
		}
	}
}

func TestTimestampNormalization(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in string
	}{
		{`"2024-05-01T12:00:00Z"`},
		{`"2024-05-01T14:00:00+02:00"`},
		{fmt.Sprintf("%d", want.UnixMicro())},
		{fmt.Sprintf("%d", want.UnixMilli())},
		{fmt.Sprintf("%d", want.Unix())},
	}
	for _, tc := range cases {
		var ts Timestamp
		if err := ts.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", tc.in, err)
		}
		if !ts.Time.Equal(want) {
			t.Fatalf("UnmarshalJSON(%s)=%v want %v", tc.in, ts.Time, want)
		}
	}
}
