package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LoadPCM reads the user's question audio. WAV files are decoded to mono
// PCM16; anything else is taken as raw PCM16 at SampleRate.
func LoadPCM(path string) ([]byte, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read input audio: %w", err)
	}
	if !isWAV(path) {
		return data, SampleRate, nil
	}
	pcm, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return pcm, rate, nil
}

// OutputFile receives the assistant's PCM16 audio. A .wav path gets a WAV
// header whose sizes are patched on Close.
type OutputFile struct {
	f       *os.File
	wav     bool
	written int64
}

func CreateOutput(path string) (*OutputFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output audio: %w", err)
	}
	o := &OutputFile{f: f, wav: isWAV(path)}
	if o.wav {
		if err := writeWAV(f, nil, SampleRate); err != nil {
			f.Close()
			return nil, fmt.Errorf("write wav header: %w", err)
		}
	}
	return o, nil
}

func (o *OutputFile) Write(p []byte) (int, error) {
	n, err := o.f.Write(p)
	o.written += int64(n)
	return n, err
}

func (o *OutputFile) Close() error {
	if o.wav {
		if err := o.patchWAVSizes(); err != nil {
			o.f.Close()
			return err
		}
	}
	return o.f.Close()
}

func (o *OutputFile) patchWAVSizes() error {
	size := uint32(o.written)
	if _, err := o.f.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("patch wav header: %w", err)
	}
	if err := binary.Write(o.f, binary.LittleEndian, uint32(wavHeaderSize-8)+size); err != nil {
		return fmt.Errorf("patch wav header: %w", err)
	}
	if _, err := o.f.Seek(wavHeaderSize-4, io.SeekStart); err != nil {
		return fmt.Errorf("patch wav header: %w", err)
	}
	if err := binary.Write(o.f, binary.LittleEndian, size); err != nil {
		return fmt.Errorf("patch wav header: %w", err)
	}
	return nil
}

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}
