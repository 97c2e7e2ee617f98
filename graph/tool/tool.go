// Package tool defines the tool capability a model can invoke, the
// registry that binds tools to a dispatch node, and argument validation.
package tool

import "context"

// Tool is a named capability the Reasoning Port may request.
//
// Call receives decoded arguments and returns a structured result that is
// rendered as JSON into the conversation. Implementations must respect ctx
// cancellation; the dispatch node gives each call its own deadline.
//
// Example implementation:
//
//	type volumeTool struct{ prices market.PriceProvider }
//
//	func (v *volumeTool) Name() string { return "get_volume_data" }
//
//	func (v *volumeTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//	    ticker, _ := input["ticker"].(string)
//	    bars, err := v.prices.Daily(ctx, ticker, start, end)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return map[string]interface{}{"ticker": ticker, "records": volumes(bars)}, nil
//	}
type Tool interface {
	// Name returns the unique identifier the model uses to request the
	// tool: lowercase with underscores.
	Name() string

	// Call executes the tool with the provided input.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Described is implemented by tools that advertise a description and an
// argument schema to the model. Tools without it are bound with an empty
// object schema and their arguments are not validated.
type Described interface {
	Description() string
	Schema() Schema
}

// CallFunc is the signature of a tool body.
type CallFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// FuncTool adapts a function into a described Tool.
type FuncTool struct {
	name        string
	description string
	schema      Schema
	fn          CallFunc
}

// New returns a Tool named name that runs fn.
func New(name, description string, schema Schema, fn CallFunc) *FuncTool {
	return &FuncTool{name: name, description: description, schema: schema, fn: fn}
}

// Name implements Tool.
func (f *FuncTool) Name() string { return f.name }

// Description implements Described.
func (f *FuncTool) Description() string { return f.description }

// Schema implements Described.
func (f *FuncTool) Schema() Schema { return f.schema }

// Call implements Tool.
func (f *FuncTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f.fn(ctx, input)
}
