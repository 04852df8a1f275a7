package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// JSONExtractor reads paginated JSON APIs. Source.ItemsPath locates the record
// array and each Source.Fields value is a dotted path inside one record.
type JSONExtractor struct {
	fetcher pipeline.Fetcher
}

// NewJSONExtractor constructs a JSONExtractor.
func NewJSONExtractor(fetcher pipeline.Fetcher) *JSONExtractor {
	return &JSONExtractor{fetcher: fetcher}
}

// ExtractPage fetches and maps one page.
func (e *JSONExtractor) ExtractPage(ctx context.Context, src pipeline.Source, token string) (pipeline.Page, error) {
	page, err := pageIndex(src, token)
	if err != nil {
		return pipeline.Page{}, err
	}
	target, err := pageURL(src, page)
	if err != nil {
		return pipeline.Page{}, err
	}
	resp, err := e.fetcher.Fetch(ctx, fetchRequest(src, target))
	if err != nil {
		return pipeline.Page{}, fmt.Errorf("fetch %s: %w", target, err)
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return pipeline.Page{}, retry.Unrecoverable(fmt.Errorf("decode %s: %w", target, err))
	}
	raw, ok := lookup(doc, src.ItemsPath)
	if !ok {
		return pipeline.Page{}, retry.Unrecoverable(fmt.Errorf("%s: items path %q not found", target, src.ItemsPath))
	}
	items, ok := raw.([]any)
	if !ok {
		if raw != nil {
			return pipeline.Page{}, retry.Unrecoverable(fmt.Errorf("%s: items path %q is not an array", target, src.ItemsPath))
		}
		items = nil
	}

	records := make([]pipeline.CandidateRecord, 0, len(items))
	for _, item := range items {
		var rec pipeline.CandidateRecord
		for field, path := range src.Fields {
			if v, ok := lookup(item, path); ok {
				assign(&rec, field, v)
			}
		}
		records = append(records, rec)
	}

	return pipeline.Page{
		Records:       records,
		NextPageToken: nextToken(src, page, len(items)),
		URL:           resp.URL,
		ContentType:   resp.Headers.Get("Content-Type"),
		Raw:           resp.Body,
	}, nil
}

// lookup walks a dotted path through decoded JSON. Numeric segments index
// arrays; an empty path returns doc itself.
func lookup(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
