package msgraphfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/acsone/msgraphfs/api"
	"github.com/acsone/msgraphfs/dircache"
	"github.com/acsone/msgraphfs/rest"
)

// Copy copies the item at src to dst server side.  The server runs
// the copy as an asynchronous job and answers with a monitor URL.
//
// With wait true Copy polls the monitor URL until the job finishes
// and returns it for reference; with wait false it returns right away
// and the caller tracks the job through CopyStatus.  When dst names an
// existing directory src is copied into it keeping its name; an
// existing file at dst fails with ErrAlreadyExists.
func (f *Fs) Copy(ctx context.Context, src, dst string, wait bool) (string, error) {
	src, dst = parsePath(src), parsePath(dst)
	srcID, err := f.itemID(ctx, src)
	if err != nil {
		return "", err
	}
	copyReq := api.CopyItemRequest{}
	finalPath := dst
	dstInfo, err := f.Stat(ctx, dst)
	switch {
	case err == nil && dstInfo.Type == TypeDirectory:
		copyReq.ParentReference = api.ItemReference{ID: dstInfo.ID}
		_, leaf := dircache.SplitPath(src)
		finalPath = parsePath(dst + "/" + leaf)
	case err == nil:
		return "", fmt.Errorf("/%s: %w", dst, ErrAlreadyExists)
	case errors.Is(err, ErrNotFound):
		parent, leaf := dircache.SplitPath(dst)
		parentID, findErr := f.dirCache.FindDir(ctx, parent, false)
		if findErr != nil {
			return "", findErr
		}
		copyReq.ParentReference = api.ItemReference{ID: parentID}
		copyReq.Name = &leaf
	default:
		return "", err
	}
	opts := f.newOptsCall(srcID, "POST", "/copy")
	opts.ExtraHeaders = map[string]string{"Prefer": "respond-async"}
	opts.NoResponse = true
	var resp *http.Response
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, &copyReq, nil)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return "", f.remapError(resp, err, "/"+src)
	}
	monitorURL := resp.Header.Get("Location")
	if monitorURL == "" {
		return "", errors.New("async copy: no Location header in response")
	}
	if !wait {
		return monitorURL, nil
	}
	if err := f.waitForCopy(ctx, monitorURL); err != nil {
		return monitorURL, err
	}
	parent, _ := dircache.SplitPath(finalPath)
	f.listings.Invalidate(parent)
	return monitorURL, nil
}

// CopyStatus fetches the state of an asynchronous copy job from its
// monitor URL.  The URL embeds its own short lived token, so the
// request goes out without credentials.
func (f *Fs) CopyStatus(ctx context.Context, monitorURL string) (*api.AsyncOperationStatus, error) {
	opts := rest.Opts{
		Method:  "GET",
		RootURL: monitorURL,
	}
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.unAuth.Call(ctx, &opts)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, err
	}
	body, err := rest.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	status := new(api.AsyncOperationStatus)
	if err := json.Unmarshal(body, status); err != nil {
		return nil, fmt.Errorf("async copy: couldn't decode status: %w", err)
	}
	return status, nil
}

// waitForCopy polls the monitor URL until the job finishes.  The
// first poll happens immediately, later ones after the configured
// poll interval.
func (f *Fs) waitForCopy(ctx context.Context, monitorURL string) error {
	for {
		status, err := f.CopyStatus(ctx, monitorURL)
		if err != nil {
			return err
		}
		switch status.Status {
		case "completed":
			return nil
		case "failed", "deleteFailed", "cancelled":
			return fmt.Errorf("status %q (%s): %w", status.Status, status.ErrorCode, ErrCopyFailed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.opt.CopyPollInterval):
		}
	}
}
