package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
	wavHeaderSize  = 44
)

// ErrInvalidWAV is returned by [DecodeWAV] when the input is not a RIFF/WAVE
// file this package can read.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// EncodeWAV wraps mono samples in a canonical 44-byte RIFF/WAVE header as
// 16-bit PCM at sampleRate.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	return EncodePCM16WAV(FloatToPCM16(samples), sampleRate, 1)
}

// EncodePCM16WAV wraps raw little-endian 16-bit PCM in a canonical RIFF/WAVE
// header.
func EncodePCM16WAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAVE file and returns its samples downmixed to mono.
// 16-bit PCM and 32-bit IEEE float encodings are supported. Unknown chunks
// (LIST, fact, ...) are skipped. A data chunk whose declared size exceeds the
// file (common with streamed WAV responses) is read to the end of the input.
func DecodeWAV(data []byte) (Buffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Buffer{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		format     uint16
		channels   int
		sampleRate int
		bits       int
		foundFmt   bool
	)

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || body+16 > len(data) {
				return Buffer{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return Buffer{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + chunkSize
			if chunkSize == 0 || end > len(data) || end < body {
				end = len(data)
			}
			samples, err := decodeSamples(data[body:end], format, bits)
			if err != nil {
				return Buffer{}, err
			}
			if channels < 1 {
				channels = 1
			}
			return Buffer{Samples: Downmix(samples, channels), SampleRate: sampleRate}, nil
		}

		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Buffer{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

func decodeSamples(raw []byte, format uint16, bits int) ([]float32, error) {
	switch {
	case format == wavFormatPCM && bits == 16:
		return PCM16ToFloat(raw), nil
	case format == wavFormatFloat && bits == 32:
		n := len(raw) / 4
		out := make([]float32, n)
		for i := range n {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding (format %d, %d bits)", ErrInvalidWAV, format, bits)
	}
}
