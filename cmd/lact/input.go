// cmd/lact/input.go
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// tokenizedDocument - a document tokenized by an external tool. Accepted
// layouts:
//
//	{"filename": "a.pdf", "file_size_bytes": 1234, "pages": [[1, 2], [3]]}
//	{"token_ids": [1, 2, 3]}
type tokenizedDocument struct {
	Filename      string
	FileSizeBytes int64
	Pages         [][]int
}

func readTokenizedDocument(path string) (*tokenizedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := parseTokenizedDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if doc.Filename == "" {
		doc.Filename = filepath.Base(path)
	}
	if doc.FileSizeBytes == 0 {
		doc.FileSizeBytes = int64(len(data))
	}
	return doc, nil
}

func parseTokenizedDocument(data []byte) (*tokenizedDocument, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json")
	}
	root := gjson.ParseBytes(data)
	doc := &tokenizedDocument{
		Filename:      root.Get("filename").String(),
		FileSizeBytes: root.Get("file_size_bytes").Int(),
	}

	if pages := root.Get("pages"); pages.Exists() {
		if !pages.IsArray() {
			return nil, fmt.Errorf("pages must be an array of token arrays")
		}
		for i, page := range pages.Array() {
			ids, err := tokenIDs(page)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", i+1, err)
			}
			doc.Pages = append(doc.Pages, ids)
		}
		return doc, nil
	}

	if tokens := root.Get("token_ids"); tokens.Exists() {
		ids, err := tokenIDs(tokens)
		if err != nil {
			return nil, fmt.Errorf("token_ids: %w", err)
		}
		doc.Pages = [][]int{ids}
		return doc, nil
	}
	return nil, fmt.Errorf("expected a pages or token_ids field")
}

func tokenIDs(value gjson.Result) ([]int, error) {
	if !value.IsArray() {
		return nil, fmt.Errorf("expected an array of token ids")
	}
	items := value.Array()
	ids := make([]int, len(items))
	for i, item := range items {
		if item.Type != gjson.Number || item.Num != float64(int64(item.Num)) {
			return nil, fmt.Errorf("token %d is not an integer: %s", i, item.Raw)
		}
		ids[i] = int(item.Int())
	}
	return ids, nil
}
