// Package converter renders office documents to PDF with an external
// LibreOffice process.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"multidoc-rag/internal/ragerr"
)

// SofficeConverter shells out to `soffice --headless --convert-to pdf`.
type SofficeConverter struct {
	command string
	timeout time.Duration
}

func NewSofficeConverter(command string, timeout time.Duration) *SofficeConverter {
	if command == "" {
		command = "soffice"
	}
	return &SofficeConverter{command: command, timeout: timeout}
}

// Available reports whether the converter binary can be found on PATH.
func (c *SofficeConverter) Available() bool {
	_, err := exec.LookPath(c.command)
	return err == nil
}

// Convert writes data to a scratch directory, converts it and returns the
// PDF bytes. Every failure is reported as ragerr.ErrConversion.
func (c *SofficeConverter) Convert(ctx context.Context, name string, data []byte) ([]byte, error) {
	bin, err := exec.LookPath(c.command)
	if err != nil {
		return nil, ragerr.ErrConversion.WithReason("converter %q not found", c.command).WithCause(err)
	}

	dir, err := os.MkdirTemp("", "rag-convert-*")
	if err != nil {
		return nil, ragerr.ErrConversion.WithCause(err)
	}
	defer os.RemoveAll(dir)

	base := filepath.Base(name)
	in := filepath.Join(dir, base)
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, ragerr.ErrConversion.WithCause(err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "--headless", "--convert-to", "pdf", "--outdir", dir, in)
	// a private profile lets conversions run next to a desktop instance
	cmd.Env = append(os.Environ(), "HOME="+dir)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ragerr.ErrConversion.WithReason("timed out after %s", c.timeout).WithCause(ctx.Err())
		}
		return nil, ragerr.ErrConversion.WithReason("%s", strings.TrimSpace(stderr.String())).WithCause(err)
	}

	out := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".pdf")
	pdf, err := os.ReadFile(out)
	if err != nil {
		return nil, ragerr.ErrConversion.WithCause(fmt.Errorf("no output produced: %w", err))
	}
	log.Debug().Str("document", name).Dur("took", time.Since(start)).Msg("Converted document to PDF")
	return pdf, nil
}
