package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/avast/retry-go/v4"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// HTMLExtractor reads listing pages. Source.ItemSelector matches one record
// and each Source.Fields value is a CSS selector relative to it, optionally
// suffixed with @attr to read an attribute instead of the text.
type HTMLExtractor struct {
	fetcher pipeline.Fetcher
}

// NewHTMLExtractor constructs an HTMLExtractor.
func NewHTMLExtractor(fetcher pipeline.Fetcher) *HTMLExtractor {
	return &HTMLExtractor{fetcher: fetcher}
}

// ExtractPage fetches and maps one listing page. Pagination continues while
// NextSelector matches (or, without one, while the page has records).
func (e *HTMLExtractor) ExtractPage(ctx context.Context, src pipeline.Source, token string) (pipeline.Page, error) {
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
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return pipeline.Page{}, retry.Unrecoverable(fmt.Errorf("parse %s: %w", target, err))
	}
	base, _ := url.Parse(resp.URL)

	var records []pipeline.CandidateRecord
	doc.Find(src.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		var rec pipeline.CandidateRecord
		for field, spec := range src.Fields {
			if v, ok := selectValue(item, spec); ok {
				if field == FieldURL {
					v = absolute(base, v)
				}
				assign(&rec, field, v)
			}
		}
		records = append(records, rec)
	})

	next := nextToken(src, page, len(records))
	if src.NextSelector != "" && doc.Find(src.NextSelector).Length() == 0 {
		next = ""
	}
	return pipeline.Page{
		Records:       records,
		NextPageToken: next,
		URL:           resp.URL,
		ContentType:   resp.Headers.Get("Content-Type"),
		Raw:           resp.Body,
	}, nil
}

// selectValue resolves "selector" or "selector@attr" against item. An empty
// selector addresses the item itself.
func selectValue(item *goquery.Selection, spec string) (string, bool) {
	selector, attr, hasAttr := strings.Cut(spec, "@")
	sel := item
	if selector = strings.TrimSpace(selector); selector != "" {
		sel = item.Find(selector).First()
	}
	if sel.Length() == 0 {
		return "", false
	}
	if hasAttr {
		v, ok := sel.Attr(attr)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	v := strings.Join(strings.Fields(sel.Text()), " ")
	return v, v != ""
}

func absolute(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
