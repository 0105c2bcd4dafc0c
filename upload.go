package msgraphfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/acsone/msgraphfs/api"
	"github.com/acsone/msgraphfs/rest"
)

// compositeID builds the routing token for a child of parentID which
// may not exist yet, addressable as /items/{parentID}:/{name}:.  The
// resolver passes such tokens through untouched.
func compositeID(parentID, name string) string {
	return parentID + ":/" + rest.URLPathEscape(name) + ":"
}

// putContent uploads data as the whole content of the item addressed
// by id in a single request.  Used for content below the chunk size,
// where an upload session would cost two extra round trips.
func (f *Fs) putContent(ctx context.Context, id, name string, data []byte) (*api.Item, error) {
	opts := f.newOptsCall(id, "PUT", "/content")
	opts.ContentType = f.opt.GuessContentType(name, data)
	length := int64(len(data))
	opts.ContentLength = &length
	var info *api.Item
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		opts.Body = bytes.NewReader(data)
		resp, err = f.srv.CallJSON(ctx, &opts, nil, &info)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, f.remapError(resp, err, "/"+name)
	}
	return info, nil
}

// uploadSession is a server side resumable transfer.  The server
// requires every fragment except the final one to be a multiple of
// 320 KiB, so handed over bytes are buffered in tail and sent only in
// exact chunkSize fragments; Commit flushes whatever remains.
//
// The session URL is pre-signed, so fragment and commit requests go
// over the unauthenticated connection.
type uploadSession struct {
	f         *Fs
	url       string
	expiry    time.Time
	offset    int64  // next byte position the server expects
	tail      []byte // handed over but not yet sent
	chunkSize int64
	open      bool
}

// createUploadSession opens a resumable upload session for the item
// addressed by id.  The item only materializes on Commit.
func (f *Fs) createUploadSession(ctx context.Context, id, logical string) (*uploadSession, error) {
	opts := f.newOptsCall(id, "POST", "/createUploadSession")
	createRequest := api.NewCreateUploadRequest()
	var response api.CreateUploadResponse
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, &createRequest, &response)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, f.remapError(resp, err, "/"+logical)
	}
	if response.UploadURL == "" {
		return nil, errors.New("upload session URL was empty")
	}
	return &uploadSession{
		f:         f,
		url:       response.UploadURL,
		expiry:    time.Time(response.ExpirationDateTime),
		chunkSize: f.opt.ChunkSize,
		open:      true,
	}, nil
}

// expired reports whether the server has discarded the session
func (s *uploadSession) expired() bool {
	return !s.expiry.IsZero() && time.Now().After(s.expiry)
}

// putFragment sends data at absolute position start of the transfer.
// total < 0 means the total size is not known yet and is sent as "*".
func (s *uploadSession) putFragment(ctx context.Context, start int64, data []byte, total int64) error {
	totalStr := "*"
	if total >= 0 {
		totalStr = fmt.Sprintf("%d", total)
	}
	opts := rest.Opts{
		Method:       "PUT",
		RootURL:      s.url,
		ContentRange: fmt.Sprintf("bytes %d-%d/%s", start, start+int64(len(data))-1, totalStr),
	}
	length := int64(len(data))
	opts.ContentLength = &length
	var resp *http.Response
	var err error
	err = s.f.pacer.Call(ctx, func() (bool, error) {
		opts.Body = bytes.NewReader(data)
		resp, err = s.f.unAuth.Call(ctx, &opts)
		return s.f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return err
	}
	// The reply normally carries a refreshed expiry, but the final
	// fragment of a deferred commit may come back empty.
	body, readErr := rest.ReadBody(resp)
	if readErr == nil && len(body) > 0 {
		var response api.UploadFragmentResponse
		if json.Unmarshal(body, &response) == nil && !response.ExpirationDateTime.IsZero() {
			s.expiry = time.Time(response.ExpirationDateTime)
		}
	}
	return nil
}

// Write buffers p and sends every complete fragment.  Fragments other
// than the final one sent by Commit are exactly chunkSize bytes.
func (s *uploadSession) Write(ctx context.Context, p []byte) error {
	if !s.open {
		return errors.New("upload session is closed")
	}
	s.tail = append(s.tail, p...)
	for int64(len(s.tail)) >= s.chunkSize {
		if err := s.putFragment(ctx, s.offset, s.tail[:s.chunkSize], -1); err != nil {
			return err
		}
		s.offset += s.chunkSize
		s.tail = append(s.tail[:0:0], s.tail[s.chunkSize:]...)
	}
	return nil
}

// Commit sends the remaining tail as the final fragment, with the now
// known total size, and commits the session so the item materializes.
// Committing an expired session fails with ErrUploadSessionExpired and
// closes the session; the transfer must be restarted from scratch.
func (s *uploadSession) Commit(ctx context.Context) (*api.Item, error) {
	if !s.open {
		return nil, errors.New("upload session is closed")
	}
	if s.expired() {
		s.open = false
		s.tail = nil
		return nil, fmt.Errorf("cannot commit: %w", ErrUploadSessionExpired)
	}
	total := s.offset + int64(len(s.tail))
	if len(s.tail) > 0 {
		if err := s.putFragment(ctx, s.offset, s.tail, total); err != nil {
			return nil, err
		}
		s.offset = total
		s.tail = nil
	}
	opts := rest.Opts{
		Method:  "POST",
		RootURL: s.url,
	}
	zero := int64(0)
	opts.ContentLength = &zero
	var resp *http.Response
	var err error
	err = s.f.pacer.Call(ctx, func() (bool, error) {
		resp, err = s.f.unAuth.Call(ctx, &opts)
		return s.f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, err
	}
	s.open = false
	body, readErr := rest.ReadBody(resp)
	if readErr != nil || len(body) == 0 {
		return nil, nil
	}
	info := new(api.Item)
	if json.Unmarshal(body, info) != nil {
		return nil, nil
	}
	return info, nil
}

// Abort cancels the session so the server discards the uploaded
// fragments.  Aborting a closed or expired session is a no op as the
// server has nothing left to discard.
func (s *uploadSession) Abort(ctx context.Context) error {
	if !s.open {
		return nil
	}
	s.open = false
	s.tail = nil
	if s.expired() {
		return nil
	}
	opts := rest.Opts{
		Method:     "DELETE",
		RootURL:    s.url,
		NoResponse: true,
	}
	var resp *http.Response
	var err error
	err = s.f.pacer.Call(ctx, func() (bool, error) {
		resp, err = s.f.unAuth.Call(ctx, &opts)
		return s.f.shouldRetry(ctx, resp, err)
	})
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
