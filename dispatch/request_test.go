package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/nostria/signer/activation"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	req := Parse(`{"id":"1","method":"ping"}`)
	require.Equal(t, "1", req.ID)
	require.Empty(t, req.Params)
	require.Equal(t, Ping{}, req.Call)

	req = Parse(`{"id":"2","method":"connect","params":["abc","s3cr3t","sign_event:1, nip44_encrypt"]}`)
	require.Equal(t, Connect{
		SignerPubkey: "abc",
		Secret:       "s3cr3t",
		Requested:    activation.Permissions{"sign_event:1", "nip44_encrypt"},
	}, req.Call)

	req = Parse(`{"id":"3","method":"sign_event","params":[{"kind":1,"content":"x","tags":[],"created_at":1}]}`)
	call, ok := req.Call.(SignEvent)
	require.True(t, ok)
	require.Equal(t, 1, call.Kind)
	require.Equal(t, "x", call.Event.Content)

	req = Parse(`{"id":"4","method":"nip44_encrypt","params":["zz","hi"]}`)
	require.IsType(t, BadParams{}, req.Call)

	req = Parse(`{"id":"5","method":"whatever","params":[]}`)
	require.Equal(t, Unsupported{Method: "whatever"}, req.Call)

	req = Parse(`{"id":"6","method":"connect","params":null}`)
	require.IsType(t, Unparseable{}, req.Call)

	for _, bad := range []string{``, `[]`, `"x"`, `{"id":"","method":"ping"}`, `{"id":"1","method":""}`} {
		require.IsType(t, Unparseable{}, Parse(bad).Call, bad)
	}
}

func TestResponseWireFormat(t *testing.T) {
	j, err := json.Marshal(Response{ID: "a", Result: "pong"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"a","result":"pong","error":null}`, string(j))

	j, err = json.Marshal(Response{ID: "b", Result: "ignored", Error: &Error{Code: 403, Message: "permission denied"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"b","result":null,"error":{"code":403,"message":"permission denied"}}`, string(j))
}
