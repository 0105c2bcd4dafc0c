package msgraphfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/acsone/msgraphfs/dircache"
	"github.com/acsone/msgraphfs/rest"
)

// OpenMode selects how a file handle behaves
type OpenMode string

// Open modes
const (
	ModeRead   OpenMode = "r" // read existing content
	ModeWrite  OpenMode = "w" // create or replace content
	ModeAppend OpenMode = "a" // extend existing content
)

// File is a handle on a remote file.  Reads fetch byte ranges on
// demand; writes are buffered locally and only reach the remote in a
// single request, or through an upload session once the buffered
// content crosses the chunk size.  Nothing is visible remotely until
// Close commits.
//
// Every blocking method takes a context; see BlockingFile for an
// adapter to the standard io interfaces.
type File struct {
	fs       *Fs
	path     string // normalized path within the drive
	mode     OpenMode
	id       string // item ID, or a composite token when the item does not exist yet
	existed  bool   // the item existed when the handle was opened
	size     int64  // remote size at open, for reads
	pos      int64  // read position
	buf      []byte // written bytes not yet handed to a session
	written  int64  // bytes written through this handle
	hydrated bool   // existing content has been loaded into buf
	session  *uploadSession
	closed   bool
}

// Open opens the file at p in the given mode.
//
// ModeRead requires an existing file.  ModeWrite starts from empty
// content whether or not the file exists.  ModeAppend extends the
// existing content, or creates the file; the parent directory must
// exist in all modes.
func (f *Fs) Open(ctx context.Context, p string, mode OpenMode) (*File, error) {
	p = parsePath(p)
	switch mode {
	case ModeRead:
		info, err := f.Stat(ctx, p)
		if err != nil {
			return nil, err
		}
		if info.Type != TypeFile {
			return nil, fmt.Errorf("/%s: not a file", p)
		}
		return &File{fs: f, path: p, mode: mode, id: info.ID, existed: true, size: info.Size}, nil
	case ModeWrite, ModeAppend:
		id, err := f.itemIDIfExists(ctx, p)
		if err != nil {
			return nil, err
		}
		existed := id != ""
		if id == "" {
			parent, leaf := dircache.SplitPath(p)
			parentID, err := f.dirCache.FindDir(ctx, parent, false)
			if err != nil {
				return nil, err
			}
			id = compositeID(parentID, leaf)
		}
		return &File{fs: f, path: p, mode: mode, id: id, existed: existed}, nil
	default:
		return nil, fmt.Errorf("open mode %q: %w", mode, ErrValidation)
	}
}

// Path returns the full path of the file within the drive
func (fh *File) Path() string {
	return "/" + fh.path
}

// ReadRange reads the byte range [start, end) of the file.  The range
// is clamped to the file size; an empty or inverted range yields no
// bytes and no request to the server.
func (fh *File) ReadRange(ctx context.Context, start, end int64) ([]byte, error) {
	if fh.closed {
		return nil, os.ErrClosed
	}
	if fh.mode != ModeRead {
		return nil, fmt.Errorf("file not opened for reading: %w", ErrValidation)
	}
	if start < 0 {
		start = 0
	}
	if end > fh.size {
		end = fh.size
	}
	if start >= end {
		return nil, nil
	}
	opts := fh.fs.resolveOpts(fh.path, fh.id, "GET", "/content")
	opts.Range = fmt.Sprintf("bytes=%d-%d", start, end-1)
	var resp *http.Response
	var err error
	err = fh.fs.pacer.Call(ctx, func() (bool, error) {
		resp, err = fh.fs.srv.Call(ctx, &opts)
		return fh.fs.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, fh.fs.remapError(resp, err, fh.Path())
	}
	return rest.ReadBody(resp)
}

// Read reads from the current position, advancing it
func (fh *File) Read(ctx context.Context, p []byte) (int, error) {
	if fh.closed {
		return 0, os.ErrClosed
	}
	if fh.pos >= fh.size {
		return 0, io.EOF
	}
	data, err := fh.ReadRange(ctx, fh.pos, fh.pos+int64(len(p)))
	n := copy(p, data)
	fh.pos += int64(n)
	return n, err
}

// Seek sets the read position.  Only read handles seek; write buffers
// are strictly sequential.
func (fh *File) Seek(offset int64, whence int) (int64, error) {
	if fh.closed {
		return 0, os.ErrClosed
	}
	if fh.mode != ModeRead {
		return 0, fmt.Errorf("file not opened for reading: %w", ErrValidation)
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = fh.pos + offset
	case io.SeekEnd:
		pos = fh.size + offset
	default:
		return 0, fmt.Errorf("seek whence %d: %w", whence, ErrValidation)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position: %w", ErrValidation)
	}
	fh.pos = pos
	return pos, nil
}

// hydrate loads the current remote content into the write buffer so
// appended bytes land after it.  Done lazily on the first write: an
// append handle that is never written must leave the remote untouched.
func (fh *File) hydrate(ctx context.Context) error {
	fh.hydrated = true
	if !fh.existed {
		return nil
	}
	data, err := fh.fs.Content(ctx, fh.path, "")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	fh.buf = append(fh.buf, data...)
	return nil
}

// Write buffers p for upload.  Once the buffered content reaches the
// chunk size an upload session is opened and full fragments start
// streaming out; smaller content stays local until Close.
func (fh *File) Write(ctx context.Context, p []byte) (int, error) {
	if fh.closed {
		return 0, os.ErrClosed
	}
	if fh.mode == ModeRead {
		return 0, fmt.Errorf("file opened read only: %w", ErrValidation)
	}
	if fh.mode == ModeAppend && !fh.hydrated {
		if err := fh.hydrate(ctx); err != nil {
			return 0, err
		}
	}
	if fh.session == nil && int64(len(fh.buf))+int64(len(p)) >= fh.fs.opt.ChunkSize {
		session, err := fh.fs.createUploadSession(ctx, fh.id, fh.path)
		if err != nil {
			return 0, err
		}
		fh.session = session
		if len(fh.buf) > 0 {
			if err := fh.session.Write(ctx, fh.buf); err != nil {
				return 0, err
			}
			fh.buf = nil
		}
	}
	if fh.session != nil {
		if err := fh.session.Write(ctx, p); err != nil {
			return 0, err
		}
	} else {
		fh.buf = append(fh.buf, p...)
	}
	fh.written += int64(len(p))
	return len(p), nil
}

// invalidate drops the cached listing of the parent directory after a
// confirmed content change, then walks the remaining path prefixes so
// ancestor listings pick up any newly visible directory.
func (fh *File) invalidate() {
	parent, _ := dircache.SplitPath(fh.path)
	fh.fs.listings.Invalidate(parent)
	fh.fs.invalidateAncestors(parent)
}

// Close commits buffered writes and closes the handle.
//
// An append handle that was never written leaves the remote untouched.
// A write handle that was never written commits empty content.  When
// the upload session has expired Close fails with
// ErrUploadSessionExpired and the transfer must be redone.
func (fh *File) Close(ctx context.Context) error {
	if fh.closed {
		return nil
	}
	fh.closed = true
	if fh.mode == ModeRead {
		return nil
	}
	if fh.mode == ModeAppend && fh.written == 0 {
		if fh.session != nil {
			return fh.session.Abort(ctx)
		}
		return nil
	}
	var err error
	if fh.session != nil {
		_, err = fh.session.Commit(ctx)
	} else {
		_, err = fh.fs.putContent(ctx, fh.id, fh.path, fh.buf)
	}
	fh.buf = nil
	if err != nil {
		return err
	}
	fh.invalidate()
	return nil
}

// Discard abandons the handle without committing.  An open upload
// session is aborted so the server drops the streamed fragments.
func (fh *File) Discard(ctx context.Context) error {
	if fh.closed {
		return nil
	}
	fh.closed = true
	fh.buf = nil
	if fh.session != nil {
		return fh.session.Abort(ctx)
	}
	return nil
}

// BlockingFile adapts a File to the standard io interfaces by holding
// a context for the lifetime of the handle.  Use it when plumbing
// wants io.Reader and friends; prefer File when a context can be
// passed per call.
type BlockingFile struct {
	ctx context.Context
	fh  *File
}

// Interfaces BlockingFile satisfies
var (
	_ io.ReadWriteSeeker = (*BlockingFile)(nil)
	_ io.Closer          = (*BlockingFile)(nil)
)

// OpenBlocking opens the file at p like Open and binds the handle to
// ctx, which governs every subsequent operation on it.
func (f *Fs) OpenBlocking(ctx context.Context, p string, mode OpenMode) (*BlockingFile, error) {
	fh, err := f.Open(ctx, p, mode)
	if err != nil {
		return nil, err
	}
	return &BlockingFile{ctx: ctx, fh: fh}, nil
}

// File returns the underlying context aware handle
func (bf *BlockingFile) File() *File {
	return bf.fh
}

func (bf *BlockingFile) Read(p []byte) (int, error) {
	return bf.fh.Read(bf.ctx, p)
}

func (bf *BlockingFile) Write(p []byte) (int, error) {
	return bf.fh.Write(bf.ctx, p)
}

func (bf *BlockingFile) Seek(offset int64, whence int) (int64, error) {
	return bf.fh.Seek(offset, whence)
}

func (bf *BlockingFile) Close() error {
	return bf.fh.Close(bf.ctx)
}
