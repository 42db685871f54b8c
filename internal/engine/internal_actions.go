package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/internal/dispatch"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// BuiltinActions returns the in-process action handlers the dispatcher
// serves for internal bindings. Variable-mutating actions
// (set_variable, set_checkpoint, restore_checkpoint) are handled by
// the step executor directly and are not in this map.
func BuiltinActions(st *store.Store, logger *slog.Logger) map[string]dispatch.InternalFunc {
	logger = ilog.WithComponent(logger, "actions")
	return map[string]dispatch.InternalFunc{
		"log":           actionLog(logger),
		"wait":          actionWait,
		"calculate":     actionCalculate,
		"format_data":   actionFormatData,
		"parse_json":    actionParseJSON,
		"parse_csv":     actionParseCSV,
		"generate_id":   actionGenerateID,
		"get_timestamp": actionGetTimestamp,
		"screenshot":    actionScreenshot(st),
	}
}

func actionLog(logger *slog.Logger) dispatch.InternalFunc {
	return func(ctx context.Context, req *dispatch.Request) (dispatch.Result, error) {
		message, _ := req.Params["message"].(string)
		level, _ := req.Params["level"].(string)
		attrs := []any{
			ilog.RunIDKey, req.RunID,
			ilog.NodeIDKey, req.NodeID,
			ilog.StepIDKey, req.StepID,
		}
		switch strings.ToLower(level) {
		case "debug":
			logger.Debug(message, attrs...)
		case "warn", "warning":
			logger.Warn(message, attrs...)
		case "error":
			logger.Error(message, attrs...)
		default:
			logger.Info(message, attrs...)
		}
		return dispatch.Result{"logged": true}, nil
	}
}

func actionWait(ctx context.Context, req *dispatch.Request) (dispatch.Result, error) {
	var d time.Duration
	if ms, ok := asNumber(req.Params["duration_ms"]); ok {
		d = time.Duration(ms) * time.Millisecond
	} else if secs, ok := asNumber(req.Params["seconds"]); ok {
		d = time.Duration(secs * float64(time.Second))
	}
	if err := sleepCtx(ctx, d); err != nil {
		return nil, err
	}
	return dispatch.Result{"waited_ms": d.Milliseconds()}, nil
}

// actionCalculate evaluates an arithmetic expression. Variable
// substitution already happened during param rendering, so the
// expression is evaluated against an empty scope.
func actionCalculate(_ context.Context, req *dispatch.Request) (dispatch.Result, error) {
	src, _ := req.Params["expression"].(string)
	if src == "" {
		return nil, &errors.ValidationError{Field: "params.expression", Message: "calculate requires an expression"}
	}
	program, err := expr.Compile(src)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "params.expression",
			Message: fmt.Sprintf("invalid expression: %v", err),
		}
	}
	out, err := expr.Run(program, map[string]any{})
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "params.expression",
			Message: fmt.Sprintf("evaluation failed: %v", err),
		}
	}
	return dispatch.Result{"result": out}, nil
}

// actionFormatData returns the rendered template. Placeholders were
// substituted by param rendering before dispatch.
func actionFormatData(_ context.Context, req *dispatch.Request) (dispatch.Result, error) {
	tmpl, _ := req.Params["template"].(string)
	return dispatch.Result{"formatted": tmpl}, nil
}

func actionParseJSON(_ context.Context, req *dispatch.Request) (dispatch.Result, error) {
	text, _ := req.Params["text"].(string)
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, &errors.ValidationError{
			Field:   "params.text",
			Message: fmt.Sprintf("invalid JSON: %v", err),
		}
	}
	if m, ok := parsed.(map[string]any); ok {
		return m, nil
	}
	return dispatch.Result{"parsed": parsed}, nil
}

// actionParseCSV reads the text as header-rowed CSV into a list of
// row maps.
func actionParseCSV(_ context.Context, req *dispatch.Request) (dispatch.Result, error) {
	text, _ := req.Params["text"].(string)
	reader := csv.NewReader(strings.NewReader(text))
	if delim, ok := req.Params["delimiter"].(string); ok && len(delim) == 1 {
		reader.Comma = rune(delim[0])
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "params.text",
			Message: fmt.Sprintf("invalid CSV: %v", err),
		}
	}
	if len(records) == 0 {
		return dispatch.Result{"rows": []any{}}, nil
	}
	header := records[0]
	rows := make([]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return dispatch.Result{"rows": rows}, nil
}

func actionGenerateID(_ context.Context, _ *dispatch.Request) (dispatch.Result, error) {
	return dispatch.Result{"id": uuid.NewString()}, nil
}

func actionGetTimestamp(_ context.Context, req *dispatch.Request) (dispatch.Result, error) {
	now := time.Now().UTC()
	format, _ := req.Params["format"].(string)
	switch format {
	case "unix":
		return dispatch.Result{"timestamp": now.Unix()}, nil
	case "unix_ms":
		return dispatch.Result{"timestamp": now.UnixMilli()}, nil
	case "", "rfc3339", "iso8601":
		return dispatch.Result{"timestamp": now.Format(time.RFC3339)}, nil
	default:
		return dispatch.Result{"timestamp": now.Format(format)}, nil
	}
}

// actionScreenshot records the request; a channel agent picks it up
// out of band.
func actionScreenshot(st *store.Store) dispatch.InternalFunc {
	return func(ctx context.Context, req *dispatch.Request) (dispatch.Result, error) {
		err := st.AppendEvent(ctx, req.RunID, store.EventScreenshotRequested, req.NodeID, req.StepID, 0,
			map[string]any{"reason": "screenshot_action"})
		if err != nil {
			return nil, err
		}
		return dispatch.Result{"requested": true}, nil
	}
}
