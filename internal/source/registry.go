package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

var (
	// ErrUnknownSource is returned for source IDs that are not configured.
	ErrUnknownSource = errors.New("unknown source")
	// ErrSourceDisabled is returned for configured sources that are switched off.
	ErrSourceDisabled = errors.New("source disabled")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a source configuration.
func Validate(src pipeline.Source) error {
	if err := validate.Struct(src); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("source %q invalid: %s", src.ID, strings.Join(fields, ", "))
		}
		return fmt.Errorf("source %q invalid: %w", src.ID, err)
	}
	if _, ok := src.Fields[FieldNativeID]; !ok {
		return fmt.Errorf("source %q invalid: fields must map %s", src.ID, FieldNativeID)
	}
	return nil
}

// Registry resolves source IDs to their configuration and extractor.
type Registry struct {
	sources    map[string]pipeline.Source
	extractors map[pipeline.SourceKind]pipeline.Extractor
}

// NewRegistry validates every source and pairs each kind with its extractor.
func NewRegistry(sources []pipeline.Source, fetcher pipeline.Fetcher) (*Registry, error) {
	r := &Registry{
		sources: make(map[string]pipeline.Source, len(sources)),
		extractors: map[pipeline.SourceKind]pipeline.Extractor{
			pipeline.SourceKindJSON: NewJSONExtractor(fetcher),
			pipeline.SourceKindHTML: NewHTMLExtractor(fetcher),
		},
	}
	var errs []error
	for _, src := range sources {
		if err := Validate(src); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.sources[src.ID]; dup {
			errs = append(errs, fmt.Errorf("source %q configured twice", src.ID))
			continue
		}
		r.sources[src.ID] = src
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns an enabled source and its extractor.
func (r *Registry) Resolve(sourceID string) (pipeline.Source, pipeline.Extractor, error) {
	src, ok := r.sources[sourceID]
	if !ok {
		return pipeline.Source{}, nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
	}
	if !src.Enabled {
		return pipeline.Source{}, nil, fmt.Errorf("%w: %q", ErrSourceDisabled, sourceID)
	}
	ext, ok := r.extractors[src.Kind]
	if !ok {
		return pipeline.Source{}, nil, fmt.Errorf("source %q: no extractor for kind %q", sourceID, src.Kind)
	}
	return src, ext, nil
}

// List returns every configured source ordered by ID.
func (r *Registry) List() []pipeline.Source {
	out := make([]pipeline.Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
