package finetune

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"nano-tune-go/nanotune"
)

var (
	// ErrMissingColumn is returned when the CSV header lacks a required column
	ErrMissingColumn = errors.New("missing column")

	// ErrEmptyDataset is returned when no usable rows remain
	ErrEmptyDataset = errors.New("empty dataset")
)

// Record is one cleaned dataset row
type Record struct {
	Input  string
	Target string
}

// ReadCSV loads a headed CSV file and keeps the task's columns. Rows with an
// empty required cell are dropped. The text task is always lower-cased;
// other tasks only when lowercase is set.
func ReadCSV(path string, task nanotune.Task, cols nanotune.Columns, lowercase bool) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	records, err := ParseCSV(f, task, cols, lowercase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// ParseCSV is ReadCSV over an open reader
func ParseCSV(r io.Reader, task nanotune.Task, cols nanotune.Columns, lowercase bool) ([]Record, error) {
	target := cols.Target
	if task == nanotune.TaskText {
		target = ""
	}
	return parse(r, cols.Input, target, lowercase || task == nanotune.TaskText)
}

// ReadColumn returns the non-empty cells of one column, as used for batch
// inference over a document file
func ReadColumn(path, column string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	records, err := parse(f, column, "", false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cells := make([]string, len(records))
	for i, rec := range records {
		cells[i] = rec.Input
	}
	return cells, nil
}

func parse(r io.Reader, inputName, targetName string, lower bool) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyDataset
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	inputCol, ok := index[inputName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, inputName)
	}
	targetCol := -1
	if targetName != "" {
		if targetCol, ok = index[targetName]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, targetName)
		}
	}

	cell := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		v := strings.TrimSpace(row[i])
		if lower {
			v = strings.ToLower(v)
		}
		return v
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		rec := Record{Input: cell(row, inputCol), Target: cell(row, targetCol)}
		if rec.Input == "" || (targetCol >= 0 && rec.Target == "") {
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}
	return records, nil
}
