package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/finchlabs/finch/internal/memory"
)

// RegisterMemoryTools wires the memory store's operations into the registry.
func RegisterMemoryTools(reg *Registry, store *memory.Store) error {
	specs := []Spec{
		{
			Name:        "memory_search",
			Description: "Full-text search over stored memory fragments",
			Schema: ObjectSchema(map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"k":     map[string]interface{}{"type": "integer", "minimum": 1.0, "description": "Maximum results (default 5)"},
			}, "query"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				hits, err := store.Search(ctx, strArg(args, "query"), intArg(args, "k", 0))
				if err != nil {
					return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
				}
				if len(hits) == 0 {
					return SilentResult("no matching memory entries")
				}
				var b strings.Builder
				for _, h := range hits {
					fmt.Fprintf(&b, "[%s] (%s) %s\n", h.ID, h.Source, h.Content)
				}
				return SilentResult(b.String())
			},
		},
		{
			Name:        "memory_get",
			Description: "Fetch one memory entry by id",
			Schema: ObjectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				e, err := store.Get(ctx, strArg(args, "id"))
				if err != nil {
					return ErrorResult(err.Error())
				}
				return SilentResult(fmt.Sprintf("[%s] (%s)\n%s", e.ID, e.Source, e.Content))
			},
		},
		{
			Name:        "memory_append",
			Description: "Store a new memory fragment; it is indexed immediately",
			Schema: ObjectSchema(map[string]interface{}{
				"content": map[string]interface{}{"type": "string"},
				"source":  map[string]interface{}{"type": "string"},
			}, "content"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				source := strArg(args, "source")
				if source == "" {
					source = "agent"
				}
				e, err := store.Append(ctx, strArg(args, "content"), source)
				if err != nil {
					return ErrorResult(fmt.Sprintf("memory append failed: %v", err))
				}
				return SilentResult(fmt.Sprintf("stored memory entry %s", e.ID))
			},
		},
		{
			Name:        "memory_ingest",
			Description: "Ingest a file into memory, chunked by paragraph",
			Schema: ObjectSchema(map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			}, "path"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				n, err := store.Ingest(ctx, strArg(args, "path"))
				if err != nil {
					return ErrorResult(fmt.Sprintf("ingest failed after %d chunks: %v", n, err))
				}
				return SilentResult(fmt.Sprintf("ingested %d chunks", n))
			},
		},
		{
			Name:        "memory_stats",
			Description: "Report memory store totals",
			Schema:      ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				st, err := store.GetStats(ctx)
				if err != nil {
					return ErrorResult(fmt.Sprintf("stats failed: %v", err))
				}
				data, _ := json.MarshalIndent(st, "", "  ")
				return SilentResult(string(data))
			},
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
