package prompts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/transcript"
)

func TestDefaultTableCoversEveryStage(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, tbl.Version())
	for _, id := range pipeline.Order {
		p, ok := tbl.Prompt(id)
		require.True(t, ok, id)
		require.Contains(t, p.System, "single JSON object")
	}
}

func TestRenderIncludesTranscriptAndPrior(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)

	age := 58
	prior := pipeline.NewContext(transcript.Request{})
	in := pipeline.Input{
		Request: transcript.Request{
			Transcript: "Agent: hello. Prospect: hi.",
			Metadata:   &transcript.Metadata{Age: &age},
		},
		Prior: prior,
	}
	_, user, err := tbl.Render(pipeline.StageConversation, NewData(in))
	require.NoError(t, err)
	require.Contains(t, user, "Agent: hello. Prospect: hi.")
	require.Contains(t, user, `"age": 58`)
	require.NotContains(t, user, "Previous analyses")
}

func TestParseRejectsIncompleteTables(t *testing.T) {
	_, err := Parse([]byte("stages:\n  conversation:\n    user: hi\n"))
	require.ErrorContains(t, err, "missing prompt")

	_, err = Parse([]byte("stages:\n  smalltalk:\n    user: hi\n"))
	require.ErrorContains(t, err, "unknown stage")

	_, err = Parse([]byte("stages: ["))
	require.Error(t, err)
}

func TestRenderUnknownStage(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)
	_, _, err = tbl.Render("smalltalk", Data{})
	require.Error(t, err)
}
