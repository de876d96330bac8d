package customers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/journeymesh/journeymesh/internal/models"
)

// ConversionError reports that a CSV cell could not be converted to its
// mapped attribute type. The import reconciler swallows it and drops the row.
type ConversionError struct {
	Column string
	Value  string
	Type   models.AttributeType
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert column %q value %q to %s: %v", e.Column, e.Value, e.Type, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// ConvertForImport converts one raw CSV cell to the attribute type declared
// in the column mapping. The returned value is what gets written to the
// customer document.
func ConvertForImport(raw string, column string, spec models.ColumnSpec) (any, error) {
	value := strings.TrimSpace(raw)

	switch spec.Type {
	case models.AttributeTypeString:
		return value, nil

	case models.AttributeTypeNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, &ConversionError{Column: column, Value: raw, Type: spec.Type, Err: err}
		}
		return n, nil

	case models.AttributeTypeBoolean:
		switch strings.ToLower(value) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n":
			return false, nil
		}
		return nil, &ConversionError{
			Column: column, Value: raw, Type: spec.Type,
			Err: fmt.Errorf("not a boolean"),
		}

	case models.AttributeTypeDate:
		layout := spec.DateFormat
		if layout == "" {
			layout = time.RFC3339
		}
		t, err := time.Parse(layout, value)
		if err != nil {
			return nil, &ConversionError{Column: column, Value: raw, Type: spec.Type, Err: err}
		}
		return t.UTC(), nil

	default:
		return nil, &ConversionError{
			Column: column, Value: raw, Type: spec.Type,
			Err: fmt.Errorf("unknown attribute type"),
		}
	}
}
