package finetune

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-tune-go/nanotune"
)

var qaColumns = nanotune.Columns{Input: "question", Target: "answer"}

func TestParseCSVQA(t *testing.T) {
	data := "\ufeffid, question ,answer\n" +
		"1,How do I reset my password?,Use the reset link.\n" +
		"2,,Orphan answer\n" +
		"3,Where is my order?,\n" +
		"4,\"Can I pay, later?\",\"Yes, with invoice.\"\n" +
		"5,Short row\n"

	records, err := ParseCSV(strings.NewReader(data), nanotune.TaskQA, qaColumns, false)
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{Input: "How do I reset my password?", Target: "Use the reset link."},
		{Input: "Can I pay, later?", Target: "Yes, with invoice."},
	}, records)
}

func TestParseCSVLowercase(t *testing.T) {
	data := "question,answer\nHELLO There,General KENOBI\n"

	records, err := ParseCSV(strings.NewReader(data), nanotune.TaskQA, qaColumns, true)
	require.NoError(t, err)
	assert.Equal(t, Record{Input: "hello there", Target: "general kenobi"}, records[0])

	records, err = ParseCSV(strings.NewReader(data), nanotune.TaskQA, qaColumns, false)
	require.NoError(t, err)
	assert.Equal(t, "HELLO There", records[0].Input)
}

func TestParseCSVTextAlwaysLowercases(t *testing.T) {
	data := "text\nThe Quick Brown Fox\n\n  \nJumps\n"

	records, err := ParseCSV(strings.NewReader(data), nanotune.TaskText, nanotune.Columns{Input: "text"}, false)
	require.NoError(t, err)
	assert.Equal(t, []Record{{Input: "the quick brown fox"}, {Input: "jumps"}}, records)
}

func TestParseCSVMissingColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("question,reply\na,b\n"), nanotune.TaskQA, qaColumns, false)
	require.ErrorIs(t, err, ErrMissingColumn)
	assert.Contains(t, err.Error(), `"answer"`)

	_, err = ParseCSV(strings.NewReader("document\nx\n"), nanotune.TaskSummarization,
		nanotune.Columns{Input: "document", Target: "summary"}, false)
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestParseCSVEmpty(t *testing.T) {
	_, err := ParseCSV(strings.NewReader(""), nanotune.TaskQA, qaColumns, false)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = ParseCSV(strings.NewReader("question,answer\n,\n"), nanotune.TaskQA, qaColumns, false)
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestReadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "support.csv")
	require.NoError(t, os.WriteFile(path, []byte("question,answer\nq,a\n"), 0o644))

	records, err := ReadCSV(path, nanotune.TaskQA, qaColumns, false)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = ReadCSV(filepath.Join(t.TempDir(), "missing.csv"), nanotune.TaskQA, qaColumns, false)
	assert.ErrorContains(t, err, "failed to open dataset")
}
