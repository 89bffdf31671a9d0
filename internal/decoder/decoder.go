// Package decoder streams ledger records out of framed-compressed snapshot
// files. A file is a concatenation of frames: a 4-byte big-endian payload
// length followed by a zstd-compressed JSON batch. The reader holds at most
// one frame plus one decoded batch in memory.
package decoder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
)

// MaxFrameSize guards against torn writes: a length prefix larger than this
// is treated as end-of-file, not an error.
const MaxFrameSize = 64 << 20

// FileType classifies a record file by its base-name prefix. Unknown prefixes
// return "" and the file is skipped by callers. Paths written on Windows
// keep their backslashes on every platform, so both separators are handled.
func FileType(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, "\\", "/"))
	switch {
	case strings.HasPrefix(base, "events-"):
		return models.FileTypeEvents
	case strings.HasPrefix(base, "updates-"):
		return models.FileTypeUpdates
	}
	return ""
}

// Reader yields records from one file in a single forward pass.
type Reader struct {
	f       *os.File
	dec     *zstd.Decoder
	lenBuf  [4]byte
	frame   []byte
	pending []rawRecord
	closed  bool
}

// Open opens path for streaming decode.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Reader{f: f, dec: dec}, nil
}

// Next returns the next record, or io.EOF when the file is exhausted. A
// truncated or corrupt trailing frame ends the stream cleanly: everything
// after the last intact frame is ignored.
func (r *Reader) Next() (models.Record, error) {
	for len(r.pending) == 0 {
		if err := r.readFrame(); err != nil {
			return models.Record{}, err
		}
	}
	raw := r.pending[0]
	r.pending = r.pending[1:]
	return raw.normalize(), nil
}

func (r *Reader) readFrame() error {
	if r.closed {
		return io.EOF
	}
	if _, err := io.ReadFull(r.f, r.lenBuf[:]); err != nil {
		// Clean EOF, or a torn length prefix: both end the stream.
		r.markDone()
		return io.EOF
	}
	n := binary.BigEndian.Uint32(r.lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		// Zero, negative-looking or implausible lengths arise from torn
		// writes; treat as end-of-file.
		r.markDone()
		return io.EOF
	}
	if cap(r.frame) < int(n) {
		r.frame = make([]byte, n)
	}
	r.frame = r.frame[:n]
	if _, err := io.ReadFull(r.f, r.frame); err != nil {
		r.markDone()
		return io.EOF
	}
	payload, err := r.dec.DecodeAll(r.frame, nil)
	if err != nil {
		r.markDone()
		return io.EOF
	}
	var batch struct {
		Records []rawRecord `json:"records"`
	}
	if err := json.Unmarshal(payload, &batch); err != nil {
		r.markDone()
		return io.EOF
	}
	r.pending = batch.Records
	if len(r.pending) == 0 {
		// Empty batch frame: keep reading.
		return nil
	}
	return nil
}

func (r *Reader) markDone() {
	r.closed = true
}

// Close releases the file handle and decoder.
func (r *Reader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// rawRecord is the on-disk shape before timestamp normalization.
type rawRecord struct {
	EventID       string          `json:"event_id"`
	UpdateID      string          `json:"update_id"`
	ContractID    string          `json:"contract_id"`
	TemplateID    string          `json:"template_id"`
	EventType     string          `json:"event_type"`
	EffectiveAt   Timestamp       `json:"effective_at"`
	RecordedAt    Timestamp       `json:"recorded_at"`
	Signatories   []string        `json:"signatories"`
	Observers     []string        `json:"observers"`
	ActingParties []string        `json:"acting_parties"`
	Consuming     bool            `json:"consuming"`
	Payload       json.RawMessage `json:"payload"`
	Choice        string          `json:"exercise_choice"`
	ExerciseArg   json.RawMessage `json:"exercise_argument"`
	ExerciseRes   json.RawMessage `json:"exercise_result"`
}

func (rr rawRecord) normalize() models.Record {
	return models.Record{
		EventID:       rr.EventID,
		UpdateID:      rr.UpdateID,
		ContractID:    rr.ContractID,
		TemplateID:    rr.TemplateID,
		EventType:     strings.ToLower(rr.EventType),
		EffectiveAt:   rr.EffectiveAt.UTC(),
		RecordedAt:    rr.RecordedAt.UTC(),
		Signatories:   rr.Signatories,
		Observers:     rr.Observers,
		ActingParties: rr.ActingParties,
		Consuming:     rr.Consuming,
		Payload:       rr.Payload,
		Choice:        rr.Choice,
		ExerciseArg:   rr.ExerciseArg,
		ExerciseRes:   rr.ExerciseRes,
	}
}

// Timestamp accepts the source's mixed encodings: RFC3339 strings, epoch
// microseconds and epoch milliseconds. Everything normalizes to UTC here so
// nothing downstream has to care.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", str, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		var f float64
		if err2 := json.Unmarshal(data, &f); err2 != nil {
			return err
		}
		n = int64(f)
	}
	t.Time = epochToTime(n)
	return nil
}

// epochToTime guesses the unit from magnitude: >=1e14 micros, >=1e11 millis,
// else seconds. Current epochs sit near 1.7e15 us / 1.7e12 ms / 1.7e9 s, so
// the bands are unambiguous for any plausible ledger time.
func epochToTime(n int64) time.Time {
	switch {
	case n >= 1e14:
		return time.UnixMicro(n).UTC()
	case n >= 1e11:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}
