// Package dataset loads the initial key/value table for the server's
// store from a CSV file of usernames, one per row, keyed by row index —
// the same layout original_source's store.rs reads from
// bench/usernames.txt. This is deliberately minimal: a single
// stdlib-backed loader used once at server startup, not part of the
// benchmark's testable core.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Load reads path as CSV and returns a map keyed by zero-based row
// index, value the first field of each row. A missing file is not an
// error: callers fall back to an empty table sized by wire.Capacity.
func Load(path string) (map[uint64]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	table := make(map[uint64]string)
	var key uint64
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: read %s: %w", path, err)
		}
		if len(record) == 0 {
			continue
		}
		table[key] = record[0]
		key++
	}
	return table, nil
}
