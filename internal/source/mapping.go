package source

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// Candidate field names accepted as keys of pipeline.Source.Fields. Any other
// key is copied into CandidateRecord.Fields.
const (
	FieldNativeID     = "source_native_id"
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldAgency       = "agency"
	FieldURL          = "url"
	FieldMaximumAward = "maximum_award"
	FieldMinimumAward = "minimum_award"
	FieldOpenDate     = "open_date"
	FieldCloseDate    = "close_date"
	FieldStatus       = "status"
)

const defaultPageParam = "page"

// pageIndex decodes an extractor token; the empty token is the first page.
func pageIndex(src pipeline.Source, token string) (int, error) {
	if token == "" {
		return src.FirstPage, nil
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 {
		return 0, retry.Unrecoverable(fmt.Errorf("invalid page token %q", token))
	}
	return n, nil
}

// pageURL adds the page and page size parameters to the source URL.
func pageURL(src pipeline.Source, page int) (string, error) {
	u, err := url.Parse(src.BaseURL)
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("parse base url: %w", err))
	}
	q := u.Query()
	param := src.PageParam
	if param == "" {
		param = defaultPageParam
	}
	q.Set(param, strconv.Itoa(page))
	if src.PageSizeParam != "" && src.PageSize > 0 {
		q.Set(src.PageSizeParam, strconv.Itoa(src.PageSize))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fetchRequest builds the request for one page. Header values may reference
// environment variables such as ${GRANTS_API_KEY}.
func fetchRequest(src pipeline.Source, pageURL string) pipeline.FetchRequest {
	req := pipeline.FetchRequest{URL: pageURL}
	if len(src.Headers) > 0 {
		req.Headers = make(map[string][]string, len(src.Headers))
		for k, v := range src.Headers {
			req.Headers.Set(k, os.ExpandEnv(v))
		}
	}
	return req
}

// nextToken ends pagination on an empty or short page.
func nextToken(src pipeline.Source, page, items int) string {
	if items == 0 {
		return ""
	}
	if src.PageSize > 0 && items < src.PageSize {
		return ""
	}
	return pipeline.PageToken(page + 1)
}

// assign sets one mapped value on the record.
func assign(rec *pipeline.CandidateRecord, field string, value any) {
	if value == nil {
		return
	}
	switch field {
	case FieldNativeID:
		rec.SourceNativeID = text(value)
	case FieldTitle:
		rec.Title = text(value)
	case FieldDescription:
		rec.Description = text(value)
	case FieldAgency:
		rec.Agency = text(value)
	case FieldURL:
		rec.URL = text(value)
	case FieldMaximumAward:
		rec.MaximumAward = amount(value)
	case FieldMinimumAward:
		rec.MinimumAward = amount(value)
	case FieldOpenDate:
		rec.OpenDate = optionalText(value)
	case FieldCloseDate:
		rec.CloseDate = optionalText(value)
	case FieldStatus:
		rec.Status = optionalText(value)
	default:
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		rec.Fields[field] = value
	}
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func optionalText(v any) *string {
	s := text(v)
	if s == "" {
		return nil
	}
	return &s
}

// amount parses numbers and currency strings such as "$1,250,000.00".
// Unparseable values are treated as absent.
func amount(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = t
	case int:
		f = float64(t)
	default:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(text(v))
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	}
	return &f
}
