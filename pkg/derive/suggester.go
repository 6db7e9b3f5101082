package derive

import (
	"context"

	"github.com/doctruth/regcore/pkg/fingerprint"
	"github.com/doctruth/regcore/pkg/ingest"
)

// RuleSuggester proposes a primary axis from the deterministic rule baseline.
// It stands in for a model-backed suggester while preserving the output
// contract; swapping in a real one changes nothing downstream because
// suggestions are derived-only.
type RuleSuggester struct{}

func (RuleSuggester) Suggest(ctx context.Context, m ingest.Metadata) (string, float64, map[string]any, error) {
	axis, _ := fingerprint.DerivePrimaryAxis(m.Jurisdiction, m.Title, m.RegulationFamily, m.InstrumentType)
	return axis, 0.55, map[string]any{"method": "stub_rule_suggestion"}, nil
}

var _ ingest.Suggester = RuleSuggester{}
