package capabilities

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"

	"storyreel/internal/models"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 360

	wavSampleRate   = 16000
	wordsPerSecond  = 2.5
	minSpeechSecond = 1
)

// PlaceholderImages renders a flat colour frame derived from the prompt.
type PlaceholderImages struct{}

func (PlaceholderImages) Generate(ctx context.Context, prompt string) (models.Media, error) {
	if err := ctx.Err(); err != nil {
		return models.Media{}, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum32()
	bg := color.RGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 0xff}
	band := color.RGBA{R: 0xff - bg.R, G: 0xff - bg.G, B: 0xff - bg.B, A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	for y := 0; y < placeholderHeight; y++ {
		c := bg
		if y > placeholderHeight*3/4 {
			c = band
		}
		for x := 0; x < placeholderWidth; x++ {
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return models.Media{}, fmt.Errorf("failed to encode placeholder image: %w", err)
	}
	return models.Media{Data: buf.Bytes(), MIMEType: "image/png"}, nil
}

// SilentSpeech produces a silent WAV whose length follows the word count, so
// scene timing still matches the narration text.
type SilentSpeech struct{}

func (SilentSpeech) Synthesize(ctx context.Context, text string) (models.Media, error) {
	if err := ctx.Err(); err != nil {
		return models.Media{}, err
	}

	words := len(strings.Fields(text))
	seconds := float64(words) / wordsPerSecond
	if seconds < minSpeechSecond {
		seconds = minSpeechSecond
	}
	samples := int(seconds * wavSampleRate)
	dataSize := uint32(samples * 2)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(wavSampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(wavSampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))

	return models.Media{Data: buf.Bytes(), MIMEType: "audio/wav"}, nil
}
