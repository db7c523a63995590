package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_CombinedText(t *testing.T) {
	msg := &Message{
		Subject:         "Vandmåler",
		Body:            "Aflæsning vedlagt",
		AttachmentTexts: []string{"tal: 42", "side 2"},
	}
	assert.Equal(t, "Vandmåler Aflæsning vedlagt tal: 42 side 2", msg.CombinedText())

	empty := &Message{}
	assert.Equal(t, " ", empty.CombinedText())
}

func TestRuleSource(t *testing.T) {
	assert.Equal(t, DecisionSource("rule:water meters"), RuleSource("water meters"))
}

func TestParseMethod(t *testing.T) {
	for _, valid := range []string{"move", "copy", "forward"} {
		m, err := ParseMethod(valid)
		require.NoError(t, err)
		assert.Equal(t, Method(valid), m)
	}

	_, err := ParseMethod("archive")
	assert.Error(t, err)
	_, err = ParseMethod("")
	assert.Error(t, err)
}
