// Package convert renders finished report text into downloadable documents.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/celltrack/reportd/internal/config"
)

// Sentinel errors for converter failures.
var (
	ErrConverterUnavailable = errors.New("converter unavailable")
	ErrConverterTimeout     = errors.New("converter timeout")
	ErrConversionFailed     = errors.New("conversion failed")
)

const (
	ContentTypePDF = "application/pdf"
)

// Converter turns report text into a PDF document.
type Converter interface {
	Convert(ctx context.Context, title, text string) ([]byte, error)
	Name() string
}

// New builds the converter selected by cfg.Kind.
func New(cfg config.ConverterConfig) (Converter, error) {
	switch cfg.Kind {
	case "local":
		if cfg.FontFile == "" {
			return NewLocalPDF(), nil
		}
		ttf, err := os.ReadFile(cfg.FontFile)
		if err != nil {
			return nil, fmt.Errorf("read converter font: %w", err)
		}
		return NewLocalPDF(WithUnicodeFont(ttf)), nil
	case "http":
		return NewHTTPConverter(cfg.URL, cfg.Timeout, cfg.MaxRetries), nil
	default:
		return nil, fmt.Errorf("unknown converter %q: must be one of local, http", cfg.Kind)
	}
}
