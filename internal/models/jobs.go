package models

// ProviderType tags an inbound pre-processing job with its origin.
type ProviderType string

const (
	// ProviderCustom is an external behavioral event.
	ProviderCustom ProviderType = "custom"
	// ProviderMessage is a message-send status event.
	ProviderMessage ProviderType = "message"
	// ProviderAttribute is a customer attribute-change event.
	ProviderAttribute ProviderType = "attribute"
)

// Downstream job type tags carried alongside fan-out payloads.
const (
	JobTypeEvent     = "event"
	JobTypeMessage   = "message"
	JobTypeAttribute = "attribute"
	JobTypePost      = "post"
	JobTypeStart     = "start"
)

// CustomEventJob is the payload of a ProviderCustom pre-processing job.
type CustomEventJob struct {
	Owner       Account        `json:"owner"`
	WorkspaceID string         `json:"workspaceId"`
	Event       map[string]any `json:"event"`
}

// MessageJob is the payload of a ProviderMessage pre-processing job.
type MessageJob struct {
	WorkspaceID string         `json:"workspaceId"`
	Message     map[string]any `json:"message"`
	Customer    *Customer      `json:"customer,omitempty"`
}

// AttributeChange describes a document-store change notification.
type AttributeChange struct {
	OperationType string         `json:"operationType"`
	CustomerID    string         `json:"customerId"`
	UpdatedFields map[string]any `json:"updatedFields,omitempty"`
}

// AttributeChangeJob is the payload of a ProviderAttribute pre-processing job.
type AttributeChangeJob struct {
	Account     Account         `json:"account"`
	WorkspaceID string          `json:"workspaceId"`
	Change      AttributeChange `json:"change"`
}

// JourneyEventJob is one per-journey fan-out job produced from a custom event.
// The journey is a de-visualized snapshot to keep the payload small.
type JourneyEventJob struct {
	Account  Account        `json:"account"`
	Event    map[string]any `json:"event"`
	Journey  Journey        `json:"journey"`
	Customer *Customer      `json:"customer"`
}

// JourneyMessageJob is one per-journey fan-out job produced from a message event.
type JourneyMessageJob struct {
	WorkspaceID string         `json:"workspaceId"`
	Message     map[string]any `json:"message"`
	Customer    *Customer      `json:"customer,omitempty"`
	JourneyID   string         `json:"journeyId"`
}

// JourneyAttributeJob is one per-journey fan-out job produced from an
// attribute change with operation type "update".
type JourneyAttributeJob struct {
	AccountID  string         `json:"accountId"`
	CustomerID string         `json:"customerId"`
	Fields     map[string]any `json:"fields,omitempty"`
	JourneyID  string         `json:"journeyId"`
}

// PostProcessingJob trails every custom event; the workspace is omitted and
// the resolved customer attached.
type PostProcessingJob struct {
	Owner    Account        `json:"owner"`
	Event    map[string]any `json:"event"`
	Customer *Customer      `json:"customer"`
}

// EnrollmentJob asks the enrollment processor to (re-)enroll one journey.
type EnrollmentJob struct {
	Account Account `json:"account"`
	Journey Journey `json:"journey"`
}

// StartJob triggers a journey's start step after an enrollment commit.
type StartJob struct {
	JourneyID      string `json:"journeyId"`
	StepID         string `json:"stepId"`
	WorkspaceID    string `json:"workspaceId"`
	AccountID      string `json:"accountId"`
	AudienceHandle string `json:"audienceHandle"`
	EntryCount     int64  `json:"entryCount"`
}

// ImportJob asks the import reconciler to run one bulk CSV import.
type ImportJob struct {
	Account   Account       `json:"account"`
	FileKey   string        `json:"fileKey"`
	Mapping   ColumnMapping `json:"mapping"`
	Mode      ImportMode    `json:"mode"`
	SegmentID string        `json:"segmentId,omitempty"`
}
