package converter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multidoc-rag/internal/ragerr"
)

// fakeSoffice writes a shell script standing in for soffice and returns
// its path.
func fakeSoffice(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script converter stub needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "soffice")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestConvertMissingBinary(t *testing.T) {
	c := NewSofficeConverter("definitely-not-installed-converter", time.Second)
	assert.False(t, c.Available())

	_, err := c.Convert(context.Background(), "a.docx", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrConversion))
}

func TestConvertSuccess(t *testing.T) {
	// args: --headless --convert-to pdf --outdir DIR IN
	bin := fakeSoffice(t, `out="$5/$(basename "$6" .docx).pdf"
printf '%%PDF-fake' > "$out"
`)
	c := NewSofficeConverter(bin, 5*time.Second)
	assert.True(t, c.Available())

	pdf, err := c.Convert(context.Background(), "report.docx", []byte("docx bytes"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-fake", string(pdf))
}

func TestConvertNonZeroExit(t *testing.T) {
	bin := fakeSoffice(t, "echo 'source file could not be loaded' >&2\nexit 1\n")

	_, err := NewSofficeConverter(bin, 5*time.Second).Convert(context.Background(), "r.docx", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrConversion))
	assert.Contains(t, err.Error(), "source file could not be loaded")
}

func TestConvertNoOutput(t *testing.T) {
	bin := fakeSoffice(t, "exit 0\n")

	_, err := NewSofficeConverter(bin, 5*time.Second).Convert(context.Background(), "r.docx", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrConversion))
}

func TestConvertTimeout(t *testing.T) {
	bin := fakeSoffice(t, "exec sleep 5\n")

	_, err := NewSofficeConverter(bin, 100*time.Millisecond).Convert(context.Background(), "r.docx", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrConversion))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
