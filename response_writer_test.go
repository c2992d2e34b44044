package taxchat_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/mashiike/taxchat"
	"github.com/mashiike/taxchat/metadata"
	"github.com/stretchr/testify/require"
)

func TestBatchResponseWriter(t *testing.T) {
	writer := taxchat.NewBatchResponseWriter()

	require.NoError(t, writer.WriteDelta("Hello"))
	require.NoError(t, writer.WriteDelta(" World"))
	require.NoError(t, writer.WriteDelta("!"))
	require.False(t, writer.Finished())

	writer.Metadata().SetString(metadata.KeyModelID, "test-model")
	require.NoError(t, writer.Finish(taxchat.FinishReasonStopSequence, "Finished"))
	require.ErrorIs(t, writer.WriteDelta("late"), taxchat.ErrStreamClosed)
	require.ErrorIs(t, writer.Finish(taxchat.FinishReasonEndTurn, ""), taxchat.ErrStreamClosed)

	resp := writer.Response()
	require.Equal(t, "Hello World!", resp.String())
	require.Equal(t, taxchat.RoleAssistant, resp.Message.Role)

	bs, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"metadata": {"Model-Id": "test-model", "Finish-Reason": "stop_sequence"},
		"message": {"role": "assistant", "content": "Hello World!"},
		"finish_reason": "stop_sequence",
		"finish_message": "Finished"
	}`, string(bs))
}

func TestTextStreamingResponseWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := taxchat.NewTextStreamingResponseWriter(&buf)

	require.NoError(t, writer.WriteDelta("Hello"))
	require.Equal(t, "Hello", buf.String())
	require.NoError(t, writer.WriteDelta(" World"))
	require.NoError(t, writer.Finish(taxchat.FinishReasonEndTurn, "done"))
	require.Equal(t, "Hello World", buf.String())

	writer.DumpMetadata()
	require.Equal(t, "Hello World\nFinish-Message: done\nFinish-Reason: end_turn\n", buf.String())
}
