// Package tools executes the functions the realtime model is allowed to call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/voicerag/internal/search"
)

const (
	SearchToolName    = "search"
	DefaultMaxResults = 5
)

var (
	ErrUnsupportedTool    = errors.New("unsupported tool")
	ErrMalformedArguments = errors.New("malformed tool arguments")
)

// Searcher is the document search backend used by the search tool.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]search.Document, error)
}

// SearchArguments is the argument object of the search tool.
type SearchArguments struct {
	Query string `json:"query" jsonschema:"description=The search query e.g. 'miami themed products'"`
}

// Executor dispatches tool invocations by name.
type Executor struct {
	searcher   Searcher
	maxResults int
	logger     *log.Logger
}

// NewExecutor returns an executor backed by searcher. A non-positive
// maxResults falls back to DefaultMaxResults; a nil logger disables the
// retrieval log.
func NewExecutor(searcher Searcher, maxResults int, logger *log.Logger) *Executor {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Executor{searcher: searcher, maxResults: maxResults, logger: logger}
}

// Invoke runs the named tool with its JSON arguments and returns the text
// handed back to the model.
func (e *Executor) Invoke(ctx context.Context, name, arguments string) (string, error) {
	ctx, span := tracer.Start(ctx, "invoke tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	var (
		out string
		err error
	)
	switch name {
	case SearchToolName:
		out, err = e.invokeSearch(ctx, arguments)
	default:
		err = fmt.Errorf("%w %q", ErrUnsupportedTool, name)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return out, nil
}

func (e *Executor) invokeSearch(ctx context.Context, arguments string) (string, error) {
	args, err := parseSearchArguments(arguments)
	if err != nil {
		return "", err
	}
	if e.searcher == nil {
		return "", fmt.Errorf("search tool has no backend")
	}
	docs, err := e.searcher.Search(ctx, args.Query, e.maxResults)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", args.Query, err)
	}
	out := FormatResults(docs)
	if e.logger != nil {
		e.logger.Printf(" -> Retrieved documentation:\n%s", out)
	}
	return out, nil
}

func parseSearchArguments(arguments string) (SearchArguments, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
		return SearchArguments{}, fmt.Errorf("%w: %v", ErrMalformedArguments, err)
	}
	field, ok := raw["query"]
	if !ok {
		return SearchArguments{}, fmt.Errorf("%w: missing query", ErrMalformedArguments)
	}
	var query *string
	if err := json.Unmarshal(field, &query); err != nil || query == nil {
		return SearchArguments{}, fmt.Errorf("%w: query must be a string", ErrMalformedArguments)
	}
	return SearchArguments{Query: *query}, nil
}

// FormatResults renders documents one per line followed by the total count.
func FormatResults(docs []search.Document) string {
	var b strings.Builder
	for _, doc := range docs {
		fmt.Fprintf(&b, "Product: %s, Description: %s\n", doc.Name, doc.Description)
	}
	fmt.Fprintf(&b, "Total results: %d\n", len(docs))
	return b.String()
}
