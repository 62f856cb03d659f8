package daemonlog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/dorad/pkg/ids"
)

func TestInitJSONOutputIncludesDataflowField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	dataflow := ids.NewDataflowID()
	logger := WithDataflow(dataflow)
	logger.Info().Msg("dataflow installed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, dataflow.String(), entry["dataflow_id"])
	require.Equal(t, "dataflow installed", entry["message"])
}

func TestWithDropTokenAttachesField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithDropToken(ids.DropToken(42)).Info().Msg("dropped")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.EqualValues(t, 42, entry["drop_token"])
}
