package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampRoundTrip(t *testing.T) {
	var item Item
	err := json.Unmarshal([]byte(`{"id":"x","lastModifiedDateTime":"2016-09-21T20:36:50Z"}`), &item)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2016, 9, 21, 20, 36, 50, 0, time.UTC), item.ModTime())

	out, err := json.Marshal(Timestamp(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, `"2020-01-02T03:04:05Z"`, string(out))
}

func TestTimestampNull(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.UnmarshalJSON([]byte("null")))
	assert.True(t, ts.IsZero())
}

func TestErrorString(t *testing.T) {
	var e Error
	err := json.Unmarshal([]byte(`{"error":{"code":"itemNotFound","message":"not found","innererror":{"code":"gone"}}}`), &e)
	require.NoError(t, err)
	assert.Equal(t, "itemNotFound: gone: not found", e.Error())
}

func TestItemFacets(t *testing.T) {
	folder := Item{ID: "1", Name: "dir", Folder: &FolderFacet{ChildCount: 2}}
	assert.NotNil(t, folder.GetFolder())
	assert.Nil(t, folder.GetFile())

	file := Item{ID: "2", Name: "f.txt", Size: 10, File: &FileFacet{MimeType: "text/plain"}}
	assert.Nil(t, file.GetFolder())
	require.NotNil(t, file.GetFile())
	assert.Equal(t, int64(10), file.GetSize())
}

func TestNewCreateUploadRequest(t *testing.T) {
	r := NewCreateUploadRequest()
	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"item":{"@microsoft.graph.conflictBehavior":"replace"},"deferCommit":true}`, string(out))
}
