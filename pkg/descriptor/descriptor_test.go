package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
nodes:
  - id: p
    path: /usr/bin/producer
    run_config:
      outputs: ["x"]
  - id: a
    path: /usr/bin/consumer
    run_config:
      inputs:
        in:
          source:
            node: p
            output: x
  - id: ticker
    path: /usr/bin/consumer
    run_config:
      inputs:
        tick:
          timer:
            interval: 100ms
`

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 3)
	assert.Equal(t, []string{"x"}, doc.Nodes[0].RunConfig.Outputs)

	mapping := doc.Nodes[1].RunConfig.Inputs["in"]
	require.NotNil(t, mapping.User)
	assert.Equal(t, "p", mapping.User.Source)
	assert.Equal(t, "x", mapping.User.Output)

	timerMapping := doc.Nodes[2].RunConfig.Inputs["tick"]
	require.NotNil(t, timerMapping.Timer)
}

func TestValidateRejectsOperatorMapping(t *testing.T) {
	const doc = `
nodes:
  - id: a
    path: /bin/a
    run_config:
      inputs:
        in:
          source:
            node: p
            output: x
            operator: filter
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestValidateRejectsEmptyMapping(t *testing.T) {
	const doc = `
nodes:
  - id: a
    path: /bin/a
    run_config:
      inputs:
        in: {}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestNodeIDs(t *testing.T) {
	doc, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	ids := doc.NodeIDs()
	require.Len(t, ids, 3)
	assert.EqualValues(t, "p", ids[0])
}
