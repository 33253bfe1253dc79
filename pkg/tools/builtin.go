package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
)

// BuiltinProviderName is the provider id of the engine's own generator tools.
const BuiltinProviderName = "builtin"

// Builtin tool names.
const (
	ToolGenerateTable  = "generate_table"
	ToolGenerateChart  = "generate_chart"
	ToolUpdateDocument = "update_document"
)

// BuiltinProvider serves the engine's document generator tools.
type BuiltinProvider struct {
	tools      map[string]Tool
	stageDelay time.Duration
	logger     *zap.Logger
}

// BuiltinOption customizes the builtin provider.
type BuiltinOption func(*BuiltinProvider)

// WithStageDelay inserts a pause between generation stages. Used to keep
// progress frames observable on fast hardware; zero disables it.
func WithStageDelay(d time.Duration) BuiltinOption {
	return func(p *BuiltinProvider) {
		p.stageDelay = d
	}
}

// NewBuiltinProvider creates the builtin tool provider.
func NewBuiltinProvider(logger *zap.Logger, opts ...BuiltinOption) *BuiltinProvider {
	p := &BuiltinProvider{logger: logger.Named("builtin-tools")}
	for _, opt := range opts {
		opt(p)
	}
	p.tools = map[string]Tool{
		ToolGenerateTable:  &tableTool{provider: p},
		ToolGenerateChart:  &chartTool{provider: p},
		ToolUpdateDocument: &updateTool{provider: p},
	}
	return p
}

var _ Provider = (*BuiltinProvider)(nil)

func (p *BuiltinProvider) Name() string {
	return BuiltinProviderName
}

func (p *BuiltinProvider) ListTools(ctx context.Context) ([]Descriptor, error) {
	return []Descriptor{
		{
			Name:        ToolGenerateTable,
			Description: "Generate a table artifact from column definitions and row data.",
			Provider:    BuiltinProviderName,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"columns":{"type":"array","items":{"type":"string"}},"rows":{"type":"array"}},"required":["title"]}`),
		},
		{
			Name:        ToolGenerateChart,
			Description: "Generate a chart artifact from labels and series values.",
			Provider:    BuiltinProviderName,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"kind":{"type":"string"},"labels":{"type":"array","items":{"type":"string"}},"values":{"type":"array","items":{"type":"number"}}},"required":["title"]}`),
		},
		{
			Name:        ToolUpdateDocument,
			Description: "Apply requested changes to an existing artifact and produce its next content.",
			Provider:    BuiltinProviderName,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"},"title":{"type":"string"},"description":{"type":"string"}},"required":["content"]}`),
		},
	}, nil
}

func (p *BuiltinProvider) Lookup(name string) (Tool, bool) {
	t, ok := p.tools[name]
	return t, ok
}

// emit sends an event unless the invocation context is gone. Returns false
// when the producer should unwind.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pause waits out the configured stage delay, observing cancellation.
func (p *BuiltinProvider) pause(ctx context.Context) bool {
	if p.stageDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(p.stageDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// tableTool builds a table document from the supplied columns and rows.
type tableTool struct {
	provider *BuiltinProvider
}

type tableContent struct {
	Title   string   `json:"title"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (t *tableTool) Run(ctx context.Context, args map[string]any) (<-chan Event, error) {
	title, ok := args["title"].(string)
	if !ok || title == "" {
		return nil, apperrors.NewValidationError("title", "title is required")
	}

	columns := stringSlice(args["columns"])
	if len(columns) == 0 {
		columns = []string{"Item", "Value"}
	}

	rows, err := rowSlice(args["rows"], len(columns))
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		if !emit(ctx, events, Event{Progress: 10}) {
			return
		}
		if !t.provider.pause(ctx) {
			return
		}
		if !emit(ctx, events, Event{Progress: 60}) {
			return
		}
		content, err := json.Marshal(tableContent{Title: title, Columns: columns, Rows: rows})
		if err != nil {
			emit(ctx, events, Event{Terminal: true, Err: apperrors.NewExecutionError("encode table", err)})
			return
		}
		if !t.provider.pause(ctx) {
			return
		}
		if !emit(ctx, events, Event{Progress: 100}) {
			return
		}
		emit(ctx, events, Event{
			Terminal: true,
			Content:  string(content),
			Metadata: map[string]string{"columns": fmt.Sprintf("%d", len(columns)), "rows": fmt.Sprintf("%d", len(rows))},
			Persist:  true,
		})
	}()
	return events, nil
}

// chartTool builds a chart document from labels and series values.
type chartTool struct {
	provider *BuiltinProvider
}

type chartContent struct {
	Title  string    `json:"title"`
	Kind   string    `json:"kind"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

func (t *chartTool) Run(ctx context.Context, args map[string]any) (<-chan Event, error) {
	title, ok := args["title"].(string)
	if !ok || title == "" {
		return nil, apperrors.NewValidationError("title", "title is required")
	}

	labels := stringSlice(args["labels"])
	values := floatSlice(args["values"])
	if len(labels) != len(values) {
		return nil, apperrors.NewValidationError("values",
			fmt.Sprintf("labels and values must align: %d labels, %d values", len(labels), len(values)))
	}

	kind, _ := args["kind"].(string)
	if kind == "" {
		kind = "bar-chart"
	}

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		if !emit(ctx, events, Event{Progress: 15}) {
			return
		}
		if !t.provider.pause(ctx) {
			return
		}
		if !emit(ctx, events, Event{Progress: 70}) {
			return
		}
		content, err := json.Marshal(chartContent{Title: title, Kind: kind, Labels: labels, Values: values})
		if err != nil {
			emit(ctx, events, Event{Terminal: true, Err: apperrors.NewExecutionError("encode chart", err)})
			return
		}
		if !t.provider.pause(ctx) {
			return
		}
		if !emit(ctx, events, Event{Progress: 100}) {
			return
		}
		emit(ctx, events, Event{
			Terminal: true,
			Content:  string(content),
			Metadata: map[string]string{"points": fmt.Sprintf("%d", len(values))},
			Persist:  true,
		})
	}()
	return events, nil
}

// updateTool produces the next content for an existing document. The
// requested changes arrive as arguments alongside the current content.
type updateTool struct {
	provider *BuiltinProvider
}

func (t *updateTool) Run(ctx context.Context, args map[string]any) (<-chan Event, error) {
	content, ok := args["content"].(string)
	if !ok {
		return nil, apperrors.NewValidationError("content", "content is required")
	}

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		if !emit(ctx, events, Event{Progress: 20}) {
			return
		}
		if !t.provider.pause(ctx) {
			return
		}

		next := content
		metadata := map[string]string{}
		if title, ok := args["title"].(string); ok && title != "" {
			next = retitle(next, title)
			metadata["title"] = title
		}
		if desc, ok := args["description"].(string); ok && desc != "" {
			metadata["description"] = desc
		}

		if !emit(ctx, events, Event{Progress: 100}) {
			return
		}
		emit(ctx, events, Event{
			Terminal: true,
			Content:  next,
			Metadata: metadata,
			Persist:  true,
		})
	}()
	return events, nil
}

// retitle rewrites the title field of a JSON document payload, falling back
// to the original content when it is not a JSON object.
func retitle(content, title string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return content
	}
	doc["title"] = title
	out, err := json.Marshal(doc)
	if err != nil {
		return content
	}
	return string(out)
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatSlice(v any) []float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		switch n := item.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		}
	}
	return out
}

func rowSlice(v any, width int) ([][]any, error) {
	if v == nil {
		return [][]any{}, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, apperrors.NewValidationError("rows", "rows must be an array of arrays")
	}
	out := make([][]any, 0, len(raw))
	for i, item := range raw {
		cells, ok := item.([]any)
		if !ok {
			return nil, apperrors.NewValidationError("rows", fmt.Sprintf("row %d is not an array", i))
		}
		if len(cells) != width {
			return nil, apperrors.NewValidationError("rows",
				fmt.Sprintf("row %d has %d cells, expected %d", i, len(cells), width))
		}
		out = append(out, cells)
	}
	return out, nil
}
