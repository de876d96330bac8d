package models

// ImportMode selects how reconciled rows are applied to the customer store.
type ImportMode string

const (
	// ImportModeNew inserts rows with no existing match only.
	ImportModeNew ImportMode = "NEW"
	// ImportModeNewAndExisting inserts unmatched rows and updates matched ones.
	ImportModeNewAndExisting ImportMode = "NEW_AND_EXISTING"
	// ImportModeExisting updates matched rows; unmatched rows are dropped.
	ImportModeExisting ImportMode = "EXISTING"
)

// AttributeType is the target type a CSV column is converted to.
type AttributeType string

const (
	AttributeTypeString  AttributeType = "String"
	AttributeTypeNumber  AttributeType = "Number"
	AttributeTypeDate    AttributeType = "Date"
	AttributeTypeBoolean AttributeType = "Boolean"
)

// ColumnSpec maps one CSV source column onto a customer attribute.
type ColumnSpec struct {
	AttributeKey   string        `json:"attributeKey"`
	Type           AttributeType `json:"type"`
	DateFormat     string        `json:"dateFormat,omitempty"`
	IsPrimary      bool          `json:"isPrimary"`
	DoNotOverwrite bool          `json:"doNotOverwrite"`
}

// ColumnMapping maps CSV header names to column specs. It is supplied
// out-of-band with the import job.
type ColumnMapping map[string]ColumnSpec

// PrimaryKey returns the spec flagged as primary, if any.
func (m ColumnMapping) PrimaryKey() (ColumnSpec, bool) {
	for _, spec := range m {
		if spec.IsPrimary {
			return spec, true
		}
	}
	return ColumnSpec{}, false
}

// ImportRow is the batch-scoped unit of reconciliation. CreateFields are
// applied only on first insert; UpdateFields on every write except attributes
// flagged doNotOverwrite.
type ImportRow struct {
	PrimaryKeyValue any
	CreateFields    map[string]any
	UpdateFields    map[string]any
}
