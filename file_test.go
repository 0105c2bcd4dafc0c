package msgraphfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveRangeFile answers metadata and ranged content requests for a
// single file at the drive root.
func serveRangeFile(t *testing.T, name, content string, reads *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch trimDrive(r.URL.Path) {
		case "/root:/" + name:
			writeJSON(t, w, http.StatusOK, fileItem("file-1", name, int64(len(content))))
		case "/items/file-1/content":
			if reads != nil {
				atomic.AddInt32(reads, 1)
			}
			rng := r.Header.Get("Range")
			require.True(t, strings.HasPrefix(rng, "bytes="), "missing Range header")
			parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
			start, err := strconv.Atoi(parts[0])
			require.NoError(t, err)
			end, err := strconv.Atoi(parts[1])
			require.NoError(t, err)
			require.Less(t, end, len(content), "range end beyond file size")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte(content[start : end+1]))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	}
}

func TestReadRange(t *testing.T) {
	var reads int32
	f := newTestFs(t, serveRangeFile(t, "a.txt", "0123456789", &reads))
	ctx := context.Background()

	fh, err := f.Open(ctx, "/a.txt", ModeRead)
	require.NoError(t, err)

	data, err := fh.ReadRange(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "234", string(data))

	// the end is clamped to the file size
	data, err = fh.ReadRange(ctx, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(data))

	// a negative start is clamped to zero
	data, err = fh.ReadRange(ctx, -5, 3)
	require.NoError(t, err)
	assert.Equal(t, "012", string(data))

	before := atomic.LoadInt32(&reads)
	// empty and inverted ranges yield nothing without a request
	data, err = fh.ReadRange(ctx, 7, 3)
	require.NoError(t, err)
	assert.Empty(t, data)
	data, err = fh.ReadRange(ctx, 4, 4)
	require.NoError(t, err)
	assert.Empty(t, data)
	data, err = fh.ReadRange(ctx, 20, 30)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, before, atomic.LoadInt32(&reads), "degenerate ranges must not hit the server")

	require.NoError(t, fh.Close(ctx))
}

func TestReadAndSeek(t *testing.T) {
	f := newTestFs(t, serveRangeFile(t, "a.txt", "0123456789", nil))
	ctx := context.Background()

	fh, err := f.Open(ctx, "/a.txt", ModeRead)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := fh.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf))

	pos, err := fh.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)

	n, err = fh.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "789", string(buf[:n]))

	_, err = fh.Read(ctx, buf)
	assert.Equal(t, io.EOF, err)

	_, err = fh.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOpenReadMissing(t *testing.T) {
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(t, w)
	})

	_, err := f.Open(context.Background(), "/missing.txt", ModeRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenBadMode(t *testing.T) {
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	})

	_, err := f.Open(context.Background(), "/a.txt", OpenMode("x"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestModeMismatch(t *testing.T) {
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch trimDrive(r.URL.Path) {
		case "/root:/a.txt":
			writeJSON(t, w, http.StatusOK, fileItem("file-1", "a.txt", 3))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	})
	ctx := context.Background()

	rd, err := f.Open(ctx, "/a.txt", ModeRead)
	require.NoError(t, err)
	_, err = rd.Write(ctx, []byte("no"))
	assert.ErrorIs(t, err, ErrValidation)
	require.NoError(t, rd.Close(ctx))

	wr, err := f.Open(ctx, "/a.txt", ModeAppend)
	require.NoError(t, err)
	_, err = wr.ReadRange(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrValidation)
	require.NoError(t, wr.Close(ctx))
}

func TestClosedHandle(t *testing.T) {
	f := newTestFs(t, serveRangeFile(t, "a.txt", "abc", nil))
	ctx := context.Background()

	fh, err := f.Open(ctx, "/a.txt", ModeRead)
	require.NoError(t, err)
	require.NoError(t, fh.Close(ctx))
	require.NoError(t, fh.Close(ctx), "closing twice is fine")

	_, err = fh.Read(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestBlockingFileRead(t *testing.T) {
	f := newTestFs(t, serveRangeFile(t, "a.txt", "hello world", nil))
	ctx := context.Background()

	bf, err := f.OpenBlocking(ctx, "/a.txt", ModeRead)
	require.NoError(t, err)
	data, err := io.ReadAll(bf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	require.NoError(t, bf.Close())
}

func TestBlockingFileWrite(t *testing.T) {
	f := newTestFs(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case trimDrive(r.URL.Path) == "/root:/out.txt":
			writeNotFound(t, w)
		case trimDrive(r.URL.Path) == "/items/"+rootID+":/out.txt:/content" && r.Method == "PUT":
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "streamed", string(body))
			writeJSON(t, w, http.StatusCreated, fileItem("new-id", "out.txt", 8))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeNotFound(t, w)
		}
	})

	bf, err := f.OpenBlocking(context.Background(), "/out.txt", ModeWrite)
	require.NoError(t, err)
	_, err = fmt.Fprint(bf, "streamed")
	require.NoError(t, err)
	require.NoError(t, bf.Close())
}
