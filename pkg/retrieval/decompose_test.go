package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubQuestions(t *testing.T) {
	questions, err := parseSubQuestions(`["what is X", "how does X relate to Y"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"what is X", "how does X relate to Y"}, questions)
}

func TestParseSubQuestionsToleratesSurroundingProse(t *testing.T) {
	response := "Here are the sub-questions:\n```json\n[\"one\", \"two\"]\n```\nDone."
	questions, err := parseSubQuestions(response)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, questions)
}

func TestParseSubQuestionsCapsAtFive(t *testing.T) {
	questions, err := parseSubQuestions(`["1","2","3","4","5","6","7"]`)
	require.NoError(t, err)
	assert.Len(t, questions, 5)
}

func TestParseSubQuestionsFailures(t *testing.T) {
	_, err := parseSubQuestions("no array here")
	assert.Error(t, err)

	_, err = parseSubQuestions(`["", "  "]`)
	assert.Error(t, err)

	_, err = parseSubQuestions(`[{"not": "a string"}]`)
	assert.Error(t, err)
}
