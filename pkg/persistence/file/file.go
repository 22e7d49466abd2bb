// Package file provides a file-based Run Registry implementation, one JSON
// document per run. Suitable for a single-process deployment and for tests.
package file

import (
	"context"
	"os"
	"strings"
	"sync"
)

// Persistence implements the persistence.Persistence interface on the file
// system. A process-wide mutex serializes compare-and-swap updates; durability
// comes from writing a temp file and renaming it into place.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a new file persistence rooted at the given
// directory. Accepts plain paths and file:// URLs.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	for _, dir := range []string{cleanRoot, cleanRoot + "/runs", cleanRoot + "/schedules"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	return &Persistence{root: cleanRoot}, nil
}

// Close performs any necessary cleanup. For file-based persistence, there is
// nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory still exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}
