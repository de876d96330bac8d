package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirOpener resolves file keys against a local directory. It serves local
// runs and tests; production deployments plug an object-storage opener in
// behind the same interface.
type DirOpener struct {
	Dir string
}

// Open opens the CSV file named by key inside the directory.
func (o DirOpener) Open(ctx context.Context, key string) (Source, error) {
	f, err := os.Open(filepath.Join(o.Dir, filepath.Clean(key)))
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	return ReaderSource{Reader: f, Closer: f}, nil
}
