package msgraphfs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acsone/msgraphfs/api"
)

func TestSmallUploadOneShot(t *testing.T) {
	var uploads, sessions int32
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/s.txt":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/s.txt:/content" && r.Method == "PUT":
			atomic.AddInt32(&uploads, 1)
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(body))
			assert.Contains(t, r.Header.Get("Content-Type"), "text/plain")
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "s.txt", 5))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	})
	ctx := context.Background()

	fh, err := f.Open(ctx, "/s.txt", ModeWrite)
	require.NoError(t, err)
	n, err := fh.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, fh.Close(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&uploads))
	assert.Equal(t, int32(0), atomic.LoadInt32(&sessions))
}

func TestWriteModeNothingWrittenCommitsEmpty(t *testing.T) {
	var uploads int32
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/empty.bin":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/empty.bin:/content" && r.Method == "PUT":
			atomic.AddInt32(&uploads, 1)
			assert.Equal(t, int64(0), r.ContentLength)
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "empty.bin", 0))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	})
	ctx := context.Background()

	fh, err := f.Open(ctx, "/empty.bin", ModeWrite)
	require.NoError(t, err)
	require.NoError(t, fh.Close(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&uploads))
}

func TestLargeUploadFragments(t *testing.T) {
	const total = 1024 * 1024 // 3 full fragments of 320 KiB plus a 64 KiB tail
	var ranges []string
	var sizes []int
	var commits int32
	var f *Fs
	f = newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/big.bin":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/big.bin:/createUploadSession" && r.Method == "POST":
			var req api.CreateUploadRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.DeferCommit)
			assert.Equal(t, "replace", req.Item.ConflictBehavior)
			writeJSON(t, w, http.StatusOK, api.CreateUploadResponse{
				UploadURL:          f.opt.Endpoint + "/upload/sess1",
				ExpirationDateTime: api.Timestamp(time.Now().Add(time.Hour)),
			})
		case r.URL.Path == "/upload/sess1" && r.Method == "PUT":
			// the session URL is pre-signed, no credentials allowed
			assert.Empty(t, r.Header.Get("Authorization"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			ranges = append(ranges, r.Header.Get("Content-Range"))
			sizes = append(sizes, len(body))
			writeJSON(t, w, http.StatusAccepted, api.UploadFragmentResponse{
				ExpirationDateTime: api.Timestamp(time.Now().Add(time.Hour)),
			})
		case r.URL.Path == "/upload/sess1" && r.Method == "POST":
			atomic.AddInt32(&commits, 1)
			assert.Empty(t, r.Header.Get("Authorization"))
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "big.bin", total))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	}, func(opt *Options) { opt.ChunkSize = chunkSizeMultiple })
	ctx := context.Background()

	fh, err := f.Open(ctx, "/big.bin", ModeWrite)
	require.NoError(t, err)
	_, err = fh.Write(ctx, bytes.Repeat([]byte("x"), total))
	require.NoError(t, err)
	require.NoError(t, fh.Close(ctx))

	// every fragment but the last is exactly chunk sized, offsets
	// strictly increasing, the final one carries the total size
	require.Equal(t, []string{
		"bytes 0-327679/*",
		"bytes 327680-655359/*",
		"bytes 655360-983039/*",
		"bytes 983040-1048575/1048576",
	}, ranges)
	require.Equal(t, []int{327680, 327680, 327680, 65536}, sizes)
	assert.Equal(t, int32(1), atomic.LoadInt32(&commits))
}

func TestLargeUploadUnalignedWritesBuffered(t *testing.T) {
	var ranges []string
	var f *Fs
	f = newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/big.bin":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/big.bin:/createUploadSession":
			writeJSON(t, w, http.StatusOK, api.CreateUploadResponse{
				UploadURL:          f.opt.Endpoint + "/upload/sess2",
				ExpirationDateTime: api.Timestamp(time.Now().Add(time.Hour)),
			})
		case r.URL.Path == "/upload/sess2" && r.Method == "PUT":
			ranges = append(ranges, r.Header.Get("Content-Range"))
			writeJSON(t, w, http.StatusAccepted, api.UploadFragmentResponse{})
		case r.URL.Path == "/upload/sess2" && r.Method == "POST":
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "big.bin", 500000))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	}, func(opt *Options) { opt.ChunkSize = chunkSizeMultiple })
	ctx := context.Background()

	fh, err := f.Open(ctx, "/big.bin", ModeWrite)
	require.NoError(t, err)
	// awkward write sizes must still produce aligned fragments
	for _, n := range []int{100000, 300000, 100000} {
		_, err = fh.Write(ctx, bytes.Repeat([]byte("y"), n))
		require.NoError(t, err)
	}
	require.NoError(t, fh.Close(ctx))

	require.Equal(t, []string{
		"bytes 0-327679/*",
		"bytes 327680-499999/500000",
	}, ranges)
}

func TestWriteFailedSessionCreateLeavesHandleConsistent(t *testing.T) {
	const total = chunkSizeMultiple + 10
	var attempts int32
	var ranges []string
	var sizes []int
	var commits int32
	var f *Fs
	f = newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/big.bin":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/big.bin:/createUploadSession" && r.Method == "POST":
			if atomic.AddInt32(&attempts, 1) == 1 {
				writeJSON(t, w, http.StatusBadRequest, map[string]interface{}{
					"error": map[string]interface{}{"code": "invalidRequest", "message": "bad request"},
				})
				return
			}
			writeJSON(t, w, http.StatusOK, api.CreateUploadResponse{
				UploadURL:          f.opt.Endpoint + "/upload/sess5",
				ExpirationDateTime: api.Timestamp(time.Now().Add(time.Hour)),
			})
		case r.URL.Path == "/upload/sess5" && r.Method == "PUT":
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			ranges = append(ranges, r.Header.Get("Content-Range"))
			sizes = append(sizes, len(body))
			writeJSON(t, w, http.StatusAccepted, api.UploadFragmentResponse{
				ExpirationDateTime: api.Timestamp(time.Now().Add(time.Hour)),
			})
		case r.URL.Path == "/upload/sess5" && r.Method == "POST":
			atomic.AddInt32(&commits, 1)
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "big.bin", total))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	}, func(opt *Options) { opt.ChunkSize = chunkSizeMultiple })
	ctx := context.Background()

	fh, err := f.Open(ctx, "/big.bin", ModeWrite)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("z"), total)
	n, err := fh.Write(ctx, data)
	require.Error(t, err)
	assert.Zero(t, n)

	// the failed write must leave no trace: retrying it uploads the
	// content exactly once
	n, err = fh.Write(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, total, n)
	require.NoError(t, fh.Close(ctx))

	require.Equal(t, []string{
		"bytes 0-327679/*",
		"bytes 327680-327689/327690",
	}, ranges)
	require.Equal(t, []int{chunkSizeMultiple, 10}, sizes)
	assert.Equal(t, int32(1), atomic.LoadInt32(&commits))
}

func TestCommitExpiredSession(t *testing.T) {
	var commits int32
	var f *Fs
	f = newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/big.bin":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/big.bin:/createUploadSession":
			writeJSON(t, w, http.StatusOK, api.CreateUploadResponse{
				UploadURL:          f.opt.Endpoint + "/upload/sess3",
				ExpirationDateTime: api.Timestamp(time.Now().Add(-time.Hour)),
			})
		case r.URL.Path == "/upload/sess3" && r.Method == "PUT":
			writeJSON(t, w, http.StatusAccepted, map[string]interface{}{})
		case r.URL.Path == "/upload/sess3" && r.Method == "POST":
			atomic.AddInt32(&commits, 1)
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "big.bin", 0))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	}, func(opt *Options) { opt.ChunkSize = chunkSizeMultiple })
	ctx := context.Background()

	fh, err := f.Open(ctx, "/big.bin", ModeWrite)
	require.NoError(t, err)
	_, err = fh.Write(ctx, bytes.Repeat([]byte("z"), chunkSizeMultiple))
	require.NoError(t, err)

	err = fh.Close(ctx)
	require.ErrorIs(t, err, ErrUploadSessionExpired)
	assert.Equal(t, int32(0), atomic.LoadInt32(&commits), "an expired session must not be committed")
}

func TestDiscardAbortsSession(t *testing.T) {
	var aborts, commits int32
	var f *Fs
	f = newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/big.bin":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/big.bin:/createUploadSession":
			writeJSON(t, w, http.StatusOK, api.CreateUploadResponse{
				UploadURL:          f.opt.Endpoint + "/upload/sess4",
				ExpirationDateTime: api.Timestamp(time.Now().Add(time.Hour)),
			})
		case r.URL.Path == "/upload/sess4" && r.Method == "PUT":
			writeJSON(t, w, http.StatusAccepted, api.UploadFragmentResponse{})
		case r.URL.Path == "/upload/sess4" && r.Method == "DELETE":
			atomic.AddInt32(&aborts, 1)
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/upload/sess4" && r.Method == "POST":
			atomic.AddInt32(&commits, 1)
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "big.bin", 0))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	}, func(opt *Options) { opt.ChunkSize = chunkSizeMultiple })
	ctx := context.Background()

	fh, err := f.Open(ctx, "/big.bin", ModeWrite)
	require.NoError(t, err)
	_, err = fh.Write(ctx, bytes.Repeat([]byte("z"), chunkSizeMultiple))
	require.NoError(t, err)

	require.NoError(t, fh.Discard(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&aborts))
	assert.Equal(t, int32(0), atomic.LoadInt32(&commits))
}

func TestAppendHydratesExistingContent(t *testing.T) {
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/hello.txt":
			writeJSON(t, w, http.StatusOK, fileItem("file-1", "hello.txt", 6))
		case trimDrive(r.URL.Path) == "/root:/hello.txt:/content" && r.Method == "GET":
			_, _ = w.Write([]byte("hello "))
		case trimDrive(r.URL.Path) == "/items/file-1/content" && r.Method == "PUT":
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello world", string(body))
			writeJSON(t, w, http.StatusOK, fileItem("file-1", "hello.txt", 11))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	})
	ctx := context.Background()

	fh, err := f.Open(ctx, "/hello.txt", ModeAppend)
	require.NoError(t, err)
	_, err = fh.Write(ctx, []byte("world"))
	require.NoError(t, err)
	require.NoError(t, fh.Close(ctx))
}

func TestAppendNoWriteLeavesRemoteUntouched(t *testing.T) {
	var writes int32
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		if trimDrive(r.URL.Path) == "/root:/hello.txt" && r.Method == "GET" {
			writeJSON(t, w, http.StatusOK, fileItem("file-1", "hello.txt", 6))
			return
		}
		atomic.AddInt32(&writes, 1)
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		writeNotFound(t, w)
	})
	ctx := context.Background()

	fh, err := f.Open(ctx, "/hello.txt", ModeAppend)
	require.NoError(t, err)
	require.NoError(t, fh.Close(ctx))
	assert.Equal(t, int32(0), atomic.LoadInt32(&writes))
}

func TestAppendCreatesMissingFile(t *testing.T) {
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/new.txt":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/new.txt:/content" && r.Method == "PUT":
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "fresh", string(body))
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "new.txt", 5))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	})
	ctx := context.Background()

	fh, err := f.Open(ctx, "/new.txt", ModeAppend)
	require.NoError(t, err)
	_, err = fh.Write(ctx, []byte("fresh"))
	require.NoError(t, err)
	require.NoError(t, fh.Close(ctx))
}

func TestCheckChunkSize(t *testing.T) {
	assert.NoError(t, checkChunkSize(chunkSizeMultiple))
	assert.NoError(t, checkChunkSize(32*chunkSizeMultiple))
	assert.ErrorIs(t, checkChunkSize(0), ErrValidation)
	assert.ErrorIs(t, checkChunkSize(chunkSizeMultiple+1), ErrValidation)
	assert.ErrorIs(t, checkChunkSize(-chunkSizeMultiple), ErrValidation)
}
