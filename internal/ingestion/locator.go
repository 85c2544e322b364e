package ingestion

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rpattn/feeddelta/internal/domain"
)

// Locator resolves feed files inside the configured input directory.
type Locator struct {
	InputDir string
}

// Locate returns the path of the schema's file for asOf or ErrMissingInput.
func (l Locator) Locate(schema domain.FeedSchema, asOf time.Time) (string, error) {
	path := filepath.Join(l.InputDir, schema.ExpectedFileName(asOf))
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w: missing input file for %s: %s", domain.ErrMissingInput, schema.Name, path)
	case err != nil:
		return "", fmt.Errorf("%w: stat %s: %w", domain.ErrMissingInput, path, err)
	case info.IsDir():
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrMissingInput, path)
	}
	return path, nil
}
