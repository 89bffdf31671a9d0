package decoder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
)

// WriteFile writes batches of records as framed-compressed snapshot data.
// Used by the seed tool and by package tests to produce well-formed input.
func WriteFile(path string, batches [][]models.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create record file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()

	for _, batch := range batches {
		frame, err := EncodeFrame(enc, batch)
		if err != nil {
			return err
		}
		if _, err := f.Write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	return nil
}

// EncodeFrame serializes one batch into a length-prefixed compressed frame.
func EncodeFrame(enc *zstd.Encoder, batch []models.Record) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"records": batch})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	frame := make([]byte, 4+len(compressed))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(compressed)))
	copy(frame[4:], compressed)
	return frame, nil
}
