package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ErrNoConverter is returned when a non-WAV input arrives and neither
// ffmpeg nor sox is installed.
var ErrNoConverter = errors.New("no audio converter available (install ffmpeg or sox)")

var (
	lookupOnce sync.Once
	converter string
)

// Converter returns the external tool used for format conversion: "ffmpeg",
// "sox" or "" when neither is in PATH. The lookup runs once per process.
func Converter() string {
	lookupOnce.Do(func() {
		for _, tool := range []string{"ffmpeg", "sox"} {
			if _, err := exec.LookPath(tool); err == nil {
				converter = tool
				return
			}
		}
	})
	return converter
}

// Convert transcodes the input file to a 16-bit mono WAV at the given rate
// in tempDir (os.TempDir when empty).
//
// Returns the path to use and a cleanup function that the caller must run on
// every exit path. Without ffmpeg or sox a WAV input is passed through as-is
// (DecodeWAV and Resample handle channels and rate) with a no-op cleanup.
func Convert(ctx context.Context, inputPath string, rate int, tempDir string) (string, func(), error) {
	noop := func() {}

	tool := Converter()
	if tool == "" {
		if IsWAV(inputPath) {
			return inputPath, noop, nil
		}
		return "", noop, ErrNoConverter
	}

	tmp, err := os.CreateTemp(tempDir, "diarizer-convert-*.wav")
	if err != nil {
		return "", noop, fmt.Errorf("create temp file: %w", err)
	}
	outPath := tmp.Name()
	tmp.Close()
	cleanup := func() {
		os.Remove(outPath)
	}

	var cmd *exec.Cmd
	switch tool {
	case "ffmpeg":
		cmd = exec.CommandContext(ctx, "ffmpeg",
			"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
			"-i", inputPath,
			"-ac", "1",
			"-ar", strconv.Itoa(rate),
			"-sample_fmt", "s16",
			"-f", "wav",
			outPath,
		)
	default:
		cmd = exec.CommandContext(ctx, "sox",
			inputPath,
			"-b", "16",
			outPath,
			"rate", strconv.Itoa(rate),
			"channels", "1",
		)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		cleanup()
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", noop, fmt.Errorf("%s convert: %w: %s", tool, err, msg)
		}
		return "", noop, fmt.Errorf("%s convert: %w", tool, err)
	}
	return outPath, cleanup, nil
}

// Load converts, decodes and resamples inputPath into a mono Buffer at rate.
// Temporary files are removed before it returns.
func Load(ctx context.Context, inputPath string, rate int, tempDir string) (*Buffer, error) {
	path, cleanup, err := Convert(ctx, inputPath, rate, tempDir)
	defer cleanup()
	if err != nil {
		return nil, err
	}
	buf, err := DecodeWAV(path)
	if err != nil {
		return nil, err
	}
	return Resample(buf, rate)
}
