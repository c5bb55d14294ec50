package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArtistIDAcceptsStringAndNumber(t *testing.T) {
	var req ProcessArtistRequest
	require.NoError(t, json.Unmarshal([]byte(`{"artistId":611717}`), &req))
	require.Equal(t, ArtistID("611717"), req.ArtistID)

	require.NoError(t, json.Unmarshal([]byte(`{"artistId":" 611717 ","pname":"Armada"}`), &req))
	require.Equal(t, ArtistID("611717"), req.ArtistID)
	require.Equal(t, "Armada", req.PName)

	require.Error(t, json.Unmarshal([]byte(`{"artistId":true}`), &req))
}

func TestArtistIDEchoesCanonicalString(t *testing.T) {
	var fromNumber, fromString ProcessArtistRequest
	require.NoError(t, json.Unmarshal([]byte(`{"artistId":611717}`), &fromNumber))
	require.NoError(t, json.Unmarshal([]byte(`{"artistId":"611717"}`), &fromString))

	numberKey := JobKey{ArtistID: fromNumber.ArtistID}
	require.Equal(t, JobKey{ArtistID: fromString.ArtistID}, numberKey)

	out, err := json.Marshal(ScrapeAssignmentMessage{ArtistID: numberKey.ArtistID})
	require.NoError(t, err)
	require.JSONEq(t, `{"artistId":"611717"}`, string(out))
}

func TestJobKeyDistinguishesParameter(t *testing.T) {
	plain := JobKey{ArtistID: "42"}
	scoped := JobKey{ArtistID: "42", PName: "EMI"}

	require.Equal(t, "42", plain.String())
	require.Equal(t, "42|EMI", scoped.String())
	require.NotEqual(t, plain, scoped)
}

func TestRecordIdentityKey(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"recordingId":643897440,"recordingTitle":"Roadkill"}`), &r))

	require.Equal(t, "number:643897440", r.IdentityKey(FieldRecordingID))
	require.Equal(t, "Roadkill", r.String(FieldRecordingTitle))
	require.NotEqual(t, r.IdentityKey(FieldRecordingID), Record{"recordingId": "643897440"}.IdentityKey(FieldRecordingID))

	require.Equal(t, Record{}.IdentityKey(FieldRecordingID), Record{"isrc": "X"}.IdentityKey(FieldRecordingID))
	require.NotEqual(t, Record{}.IdentityKey(FieldRecordingID), Record{"recordingId": nil}.IdentityKey(FieldRecordingID))
	require.Empty(t, r.String("isrc"))
}

func TestEncodeEnvelope(t *testing.T) {
	frame, err := EncodeEnvelope(CommandPing, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"ping","data":{}}`, string(frame))

	frame, err = EncodeEnvelope(CommandRegisterWorker, RegisterWorkerReply{ID: "abc"})
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"registerWorker","data":{"id":"abc"}}`, string(frame))
}

func TestDecodeWorkerPayload(t *testing.T) {
	payload, err := DecodeWorkerPayload(json.RawMessage(`{"unlinkedTracks":[{"recordingId":"A1"}],"linkedTracksCount":593}`))
	require.NoError(t, err)
	require.Len(t, payload.UnlinkedTracks, 1)

	_, err = DecodeWorkerPayload(json.RawMessage(`[1,2]`))
	require.Error(t, err)

	_, err = DecodeWorkerPayload(json.RawMessage(` null `))
	require.ErrorIs(t, err, ErrEmptyWorkerPayload)
}
