package obslog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fiscallayer/validation-core/pkg/hooks"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	l.OnRunStart(hooks.RunStartEvent{RunID: "r1", CorrelationID: "c1", PlanID: "p1", StartedAt: time.Now()})
	l.OnStepComplete(hooks.StepCompleteEvent{RunID: "r1", Result: model.StepResult{FilterID: "parser", Execution: model.ExecutionRan}})
	l.OnRunComplete(hooks.RunCompleteEvent{RunID: "r1", CompletedAt: time.Now()})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, EventRunStart, first.Type)
	require.Equal(t, "r1", first.RunID)
	require.NotEmpty(t, first.ID)
}

func TestLogger_SanitizesStepErrors(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	l.OnStepComplete(hooks.StepCompleteEvent{RunID: "r1", Result: model.StepResult{
		FilterID:  "kosit",
		Execution: model.ExecutionErrored,
		Error:     &model.StepError{Name: "UpstreamError", Message: "failed for VAT id DE123456789"},
	}})

	var e Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	errMsg, _ := e.Metadata["error"].(string)
	require.NotContains(t, errMsg, "DE123456789")
}
