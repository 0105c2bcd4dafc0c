package msgraphfs

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acsone/msgraphfs/api"
)

// copyFixture wires a fake server for a copy of /src.txt and returns
// the Fs plus a counter of monitor polls.  statuses lists the async
// job states the monitor reports in order.
func copyFixture(t *testing.T, statuses []api.AsyncOperationStatus, polls *int32, onCopy func(t *testing.T, r *http.Request)) *Fs {
	var f *Fs
	f = newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/src.txt":
			writeJSON(t, w, http.StatusOK, fileItem("file-1", "src.txt", 3))
		case trimDrive(r.URL.Path) == "/root:/dst.txt":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/root:/archive":
			writeJSON(t, w, http.StatusOK, folderItem("arch-id", "archive"))
		case trimDrive(r.URL.Path) == "/items/file-1/copy" && r.Method == "POST":
			if onCopy != nil {
				onCopy(t, r)
			}
			assert.Equal(t, "respond-async", r.Header.Get("Prefer"))
			w.Header().Set("Location", f.opt.Endpoint+"/monitor/1")
			w.WriteHeader(http.StatusAccepted)
		case r.URL.Path == "/monitor/1":
			// the monitor URL carries its own token, polls must
			// not send the drive credentials
			assert.Empty(t, r.Header.Get("Authorization"))
			i := atomic.AddInt32(polls, 1) - 1
			if int(i) >= len(statuses) {
				i = int32(len(statuses) - 1)
			}
			writeJSON(t, w, http.StatusOK, statuses[i])
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	})
	return f
}

func TestCopyWaitsForCompletion(t *testing.T) {
	var polls int32
	f := copyFixture(t, []api.AsyncOperationStatus{
		{Status: "inProgress", PercentageComplete: 10},
		{Status: "inProgress", PercentageComplete: 80},
		{Status: "completed", PercentageComplete: 100},
	}, &polls, func(t *testing.T, r *http.Request) {
		var req api.CopyItemRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, rootID, req.ParentReference.ID)
		require.NotNil(t, req.Name)
		assert.Equal(t, "dst.txt", *req.Name)
	})

	monitorURL, err := f.Copy(context.Background(), "/src.txt", "/dst.txt", true)
	require.NoError(t, err)
	assert.NotEmpty(t, monitorURL)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestCopyNoWait(t *testing.T) {
	var polls int32
	f := copyFixture(t, []api.AsyncOperationStatus{
		{Status: "inProgress"},
	}, &polls, nil)
	ctx := context.Background()

	monitorURL, err := f.Copy(ctx, "/src.txt", "/dst.txt", false)
	require.NoError(t, err)
	require.NotEmpty(t, monitorURL)
	assert.Equal(t, int32(0), atomic.LoadInt32(&polls), "no polling without wait")

	// the caller can track the job itself
	status, err := f.CopyStatus(ctx, monitorURL)
	require.NoError(t, err)
	assert.Equal(t, "inProgress", status.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&polls))
}

func TestCopyFailed(t *testing.T) {
	var polls int32
	f := copyFixture(t, []api.AsyncOperationStatus{
		{Status: "inProgress"},
		{Status: "failed", ErrorCode: "nameAlreadyExists"},
	}, &polls, nil)

	_, err := f.Copy(context.Background(), "/src.txt", "/dst.txt", true)
	require.ErrorIs(t, err, ErrCopyFailed)
	assert.Contains(t, err.Error(), "nameAlreadyExists")
}

func TestCopyIntoExistingDirectory(t *testing.T) {
	var polls int32
	f := copyFixture(t, []api.AsyncOperationStatus{
		{Status: "completed"},
	}, &polls, func(t *testing.T, r *http.Request) {
		var req api.CopyItemRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "arch-id", req.ParentReference.ID)
		assert.Nil(t, req.Name, "the source name must be kept")
	})

	_, err := f.Copy(context.Background(), "/src.txt", "/archive", true)
	require.NoError(t, err)
}

func TestCopySourceMissing(t *testing.T) {
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(t, w)
	})

	_, err := f.Copy(context.Background(), "/missing.txt", "/dst.txt", true)
	assert.ErrorIs(t, err, ErrNotFound)
}
