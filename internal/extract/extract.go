package extract

import (
	"context"
	"errors"
	"time"

	"github.com/tablex-io/tablex/internal/rasterize"
)

// tableExtractPrompt is the shared prompt used by all model providers. It is
// the single point of schema control: field names are enforced by
// instruction only, never validated programmatically.
const tableExtractPrompt = `You are an expert in understanding bank statements and invoices.
Extract the table of line items from the document image in a simple JSON format.
Use lowercase field names with underscores (for example "transaction_date", "description", "amount").
Return a JSON array with one object per table row, or a single JSON object if the table has one row.
Wrap the JSON in a markdown code block. If there is no table in the image, return None inside the code block.`

// Status classifies the outcome of one page extraction.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusEmptyOutput Status = "empty_model_output"
	StatusBadEnvelope Status = "unparsable_envelope"
	StatusCallFailed  Status = "model_call_failed"
)

// Result is the outcome of extracting one page. RawJSON and TokenCost are
// populated only when Status is StatusSuccess.
type Result struct {
	PageIndex int    `json:"page_index"`
	RawJSON   string `json:"raw_json,omitempty"`
	TokenCost int    `json:"token_cost,omitempty"`
	Status    Status `json:"status"`
	Err       error  `json:"-"`
}

// Model defines the vision-model capability used for extraction.
type Model interface {
	// Generate sends a PNG image and a text prompt to the model and returns
	// the raw text reply plus the provider-reported token cost of the call.
	Generate(ctx context.Context, png []byte, prompt string) (string, int, error)
	// Close closes the model client and releases resources.
	Close() error
}

// Extractor runs the extraction prompt against an injected Model.
type Extractor struct {
	model   Model
	timeout time.Duration
}

// NewExtractor creates an Extractor. A non-positive timeout falls back to
// 60 seconds per model call.
func NewExtractor(model Model, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Extractor{model: model, timeout: timeout}
}

// ExtractPage invokes the model for one page and unwraps the fenced reply.
// Failures are reported through the Result status, never as a panic or a
// partial value: a timeout or transport error is StatusCallFailed, a blank
// reply is StatusEmptyOutput and a reply without the expected code fence is
// StatusBadEnvelope.
func (e *Extractor) ExtractPage(ctx context.Context, page rasterize.Page) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reply, tokens, err := e.model.Generate(ctx, page.PNG, tableExtractPrompt)
	if err != nil {
		return Result{PageIndex: page.Index, Status: StatusCallFailed, Err: err}
	}

	body, err := ParseEnvelope(reply)
	if err != nil {
		status := StatusBadEnvelope
		if errors.Is(err, ErrEmptyOutput) {
			status = StatusEmptyOutput
		}
		return Result{PageIndex: page.Index, Status: status, Err: err}
	}

	return Result{
		PageIndex: page.Index,
		RawJSON:   body,
		TokenCost: tokens,
		Status:    StatusSuccess,
	}
}
