package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/snarg/speaker-diarizer/internal/audio"
)

// multipartMemory is the part of a form kept in memory; larger files spill
// to disk.
const multipartMemory = 32 << 20

var (
	errNoAudio          = errors.New(`missing "audio" file field`)
	errUnsupportedAudio = errors.New("unsupported audio type")
)

// parseUpload limits the body to maxBytes and parses the multipart form. It
// writes the error response itself and returns false on failure. Callers
// must defer r.MultipartForm.RemoveAll() on success.
func parseUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge,
				fmt.Sprintf("upload exceeds %d MB", maxBytes>>20))
			return false
		}
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form: "+err.Error())
		return false
	}
	return true
}

// saveAudio copies the "audio" file field into a temp file that keeps the
// uploaded extension, so the converter can recognize the format. The caller
// owns cleanup.
func saveAudio(r *http.Request, tempDir string) (string, func(), error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return "", nil, errNoAudio
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != "" && !audio.Supported(header.Filename) {
		return "", nil, fmt.Errorf("%w %q", errUnsupportedAudio, ext)
	}

	tmp, err := os.CreateTemp(tempDir, "diarizer-upload-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp: %w", err)
	}
	path := tmp.Name()
	cleanup := func() { os.Remove(path) }
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("read audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp: %w", err)
	}
	return path, cleanup, nil
}
