package stt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrModelNotFound is returned when a model directory holds no usable
// transducer.
var ErrModelNotFound = errors.New("no valid transducer model files found")

// ModelFiles are the resolved paths of a streaming transducer model.
type ModelFiles struct {
	Variant string
	Tokens  string
	Encoder string
	Decoder string
	Joiner  string
}

type modelCandidate struct {
	variant                  string
	encoder, decoder, joiner string
}

// Preference order: quantized mobile export, float mobile export, plain
// names, plain quantized names.
var modelCandidates = []modelCandidate{
	{"int8-mobile", "encoder-epoch-99-avg-1.int8.onnx", "decoder-epoch-99-avg-1.onnx", "joiner-epoch-99-avg-1.int8.onnx"},
	{"float-mobile", "encoder-epoch-99-avg-1.onnx", "decoder-epoch-99-avg-1.onnx", "joiner-epoch-99-avg-1.onnx"},
	{"float", "encoder.onnx", "decoder.onnx", "joiner.onnx"},
	{"int8", "encoder.int8.onnx", "decoder.int8.onnx", "joiner.int8.onnx"},
}

// ResolveModel picks the preferred encoder/decoder/joiner triple in dir.
func ResolveModel(dir string) (ModelFiles, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return ModelFiles{}, fmt.Errorf("%w: %s: %w", ErrModelNotFound, dir, err)
	}
	if !info.IsDir() {
		return ModelFiles{}, fmt.Errorf("%w: %s is not a directory", ErrModelNotFound, dir)
	}
	tokens := filepath.Join(dir, "tokens.txt")
	if !fileExists(tokens) {
		return ModelFiles{}, fmt.Errorf("%w: %s has no tokens.txt", ErrModelNotFound, dir)
	}
	for _, c := range modelCandidates {
		files := ModelFiles{
			Variant: c.variant,
			Tokens:  tokens,
			Encoder: filepath.Join(dir, c.encoder),
			Decoder: filepath.Join(dir, c.decoder),
			Joiner:  filepath.Join(dir, c.joiner),
		}
		if fileExists(files.Encoder) && fileExists(files.Decoder) && fileExists(files.Joiner) {
			return files, nil
		}
	}
	return ModelFiles{}, fmt.Errorf("%w in %s", ErrModelNotFound, dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
