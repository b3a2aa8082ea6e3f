package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/capitalize-ai/todo-assistant/internal/model"
)

// stringArg returns the string argument key. ok is false when the key is
// absent or null; a non-string value is an ErrInvalidArguments.
func stringArg(args map[string]any, key string) (value string, ok bool, err error) {
	v, present := args[key]
	if !present || v == nil {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", false, fmt.Errorf("%w: %s must be a string", ErrInvalidArguments, key)
	}
	return s, true, nil
}

func descriptionArg(args map[string]any) (*string, error) {
	d, ok, err := stringArg(args, "description")
	if err != nil || !ok {
		return nil, err
	}
	d = strings.TrimSpace(d)
	if err := model.ValidateDescription(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return &d, nil
}

// taskIDArg accepts JSON numbers and numeric strings; models are not
// consistent about which one they emit.
func taskIDArg(args map[string]any) (int64, error) {
	v, ok := args["task_id"]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: task_id is required", ErrInvalidArguments)
	}

	var id int64
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: task_id must be an integer", ErrInvalidArguments)
		}
		id = int64(n)
	case int:
		id = int64(n)
	case int64:
		id = n
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: task_id must be an integer", ErrInvalidArguments)
		}
		id = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(n), "#"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: task_id must be an integer", ErrInvalidArguments)
		}
		id = parsed
	default:
		return 0, fmt.Errorf("%w: task_id must be an integer", ErrInvalidArguments)
	}

	if id <= 0 {
		return 0, fmt.Errorf("%w: task_id must be positive", ErrInvalidArguments)
	}
	return id, nil
}
