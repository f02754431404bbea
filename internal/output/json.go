package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// WriteJSONSummary writes the summary to path, holding a file lock so
// concurrent runs appending to a shared results file never interleave.
func WriteJSONSummary(path string, s Summary) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock summary file: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
