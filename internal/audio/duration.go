// Package audio probes the duration of audio payloads retrieved from the
// task source, for backfilling metadata the source itself never recorded.
// It parses container headers directly rather than shelling out to a
// decoder, since the only format the original's librosa dependency was ever
// asked to measure in practice is WAV.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrUnsupportedFormat = errors.New("audio: unsupported or malformed container")

// riffHeader is the 12-byte RIFF/WAVE container header.
type riffHeader struct {
	ChunkID   [4]byte
	ChunkSize uint32
	Format    [4]byte
}

// fmtChunk is the subset of the WAVE "fmt " chunk needed to compute duration.
type fmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// WAVDuration reads a RIFF/WAVE stream's header chunks and returns the clip
// duration. It does not decode sample data and stops as soon as both "fmt "
// and "data" chunk sizes are known.
func WAVDuration(r io.Reader) (float64, error) {
	var riff riffHeader
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return 0, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff.ChunkID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return 0, ErrUnsupportedFormat
	}

	var format *fmtChunk
	for {
		var chunkID [4]byte
		var chunkSize uint32
		if err := binary.Read(r, binary.LittleEndian, &chunkID); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("audio: read chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return 0, fmt.Errorf("audio: read chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			var fc fmtChunk
			if err := binary.Read(r, binary.LittleEndian, &fc); err != nil {
				return 0, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			format = &fc
			if remaining := int64(chunkSize) - 16; remaining > 0 {
				if _, err := io.CopyN(io.Discard, r, remaining); err != nil {
					return 0, fmt.Errorf("audio: skip fmt tail: %w", err)
				}
			}
		case "data":
			if format == nil {
				return 0, errors.New("audio: data chunk before fmt chunk")
			}
			if format.ByteRate == 0 {
				return 0, errors.New("audio: zero byte rate")
			}
			return float64(chunkSize) / float64(format.ByteRate), nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(chunkSize)); err != nil {
				return 0, fmt.Errorf("audio: skip chunk %q: %w", chunkID, err)
			}
		}

		// RIFF chunks are word-aligned; skip the pad byte on odd sizes.
		if chunkSize%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				break
			}
		}
	}

	return 0, ErrUnsupportedFormat
}
