package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokenizedDocumentPages(t *testing.T) {
	doc, err := parseTokenizedDocument([]byte(`{"filename":"a.pdf","file_size_bytes":2048,"pages":[[1,2,3],[],[4]]}`))
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", doc.Filename)
	assert.Equal(t, int64(2048), doc.FileSizeBytes)
	assert.Equal(t, [][]int{{1, 2, 3}, {}, {4}}, doc.Pages)
}

func TestParseTokenizedDocumentFlat(t *testing.T) {
	doc, err := parseTokenizedDocument([]byte(`{"token_ids":[7,8,9]}`))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{7, 8, 9}}, doc.Pages)
}

func TestParseTokenizedDocumentErrors(t *testing.T) {
	for name, input := range map[string]string{
		"invalid json": `{"pages": [`,
		"no tokens":    `{"filename":"x"}`,
		"not an array": `{"pages": 3}`,
		"float token":  `{"token_ids":[1, 2.5]}`,
		"string token": `{"pages":[[1, "a"]]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseTokenizedDocument([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestReadTokenizedDocumentDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	content := []byte(`{"token_ids":[1,2,3,4]}`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	doc, err := readTokenizedDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "report.json", doc.Filename)
	assert.Equal(t, int64(len(content)), doc.FileSizeBytes)
}
