package msgraphfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/acsone/msgraphfs/api"
	"github.com/acsone/msgraphfs/dircache"
	"github.com/acsone/msgraphfs/rest"
)

// listAll fetches all the children of the directory with the given ID,
// following pagination links.
func (f *Fs) listAll(ctx context.Context, dirID string) (items []api.Item, err error) {
	opts := f.newOptsCall(dirID, "GET", "/children?$top="+strconv.FormatInt(f.opt.ListChunk, 10))
	for {
		var result api.ListChildrenResponse
		var resp *http.Response
		err = f.pacer.Call(ctx, func() (bool, error) {
			resp, err = f.srv.CallJSON(ctx, &opts, nil, &result)
			return f.shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return nil, f.remapError(resp, err, "")
		}
		items = append(items, result.Value...)
		if result.NextLink == "" {
			break
		}
		opts.Path = ""
		opts.RootURL = result.NextLink
	}
	return items, nil
}

// List returns the entries of the directory at dir, consulting the
// listing cache first.  When dir names a file rather than a directory
// the file's own entry is returned, as with ls(1), and nothing is
// cached.
func (f *Fs) List(ctx context.Context, dir string) ([]Info, error) {
	dir = parsePath(dir)
	if entries, ok := f.listings.Get(dir); ok {
		return append([]Info(nil), entries...), nil
	}
	dirID, err := f.dirCache.FindDir(ctx, dir, false)
	if err != nil {
		// dir may name a file
		info, statErr := f.Stat(ctx, dir)
		if statErr == nil && info.Type != TypeDirectory {
			return []Info{*info}, nil
		}
		if statErr != nil && errors.Is(statErr, ErrNotFound) {
			return nil, statErr
		}
		return nil, err
	}
	items, err := f.listAll(ctx, dirID)
	if err != nil {
		return nil, err
	}
	entries := make([]Info, 0, len(items))
	for i := range items {
		item := &items[i]
		if item.Deleted != nil {
			continue
		}
		entries = append(entries, itemToInfo(dir, item))
		if item.GetFolder() != nil {
			f.dirCache.Put(parsePath(path.Join(dir, item.GetName())), item.GetID())
		}
	}
	f.listings.Put(dir, entries)
	return append([]Info(nil), entries...), nil
}

// ListNames returns the full paths of the entries of the directory at
// dir.
func (f *Fs) ListNames(ctx context.Context, dir string) ([]string, error) {
	entries, err := f.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i := range entries {
		names[i] = entries[i].Path
	}
	return names, nil
}

// Stat returns the metadata of the item at p.  A cached listing of the
// parent directory is consulted before asking the server.
func (f *Fs) Stat(ctx context.Context, p string) (*Info, error) {
	p = parsePath(p)
	if p != "" {
		parent, leaf := dircache.SplitPath(p)
		if entries, ok := f.listings.Get(parent); ok {
			for i := range entries {
				if entries[i].Name() == leaf {
					info := entries[i]
					return &info, nil
				}
			}
		}
	}
	item, resp, err := f.readMetaDataForPath(ctx, p)
	if err != nil {
		return nil, f.remapError(resp, err, "/"+p)
	}
	dir, _ := dircache.SplitPath(p)
	info := itemToInfo(dir, item)
	if p == "" {
		info.Path = "/"
	}
	return &info, nil
}

// Exists reports whether an item exists at p
func (f *Fs) Exists(ctx context.Context, p string) (bool, error) {
	_, err := f.Stat(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsFile reports whether p exists and is a file
func (f *Fs) IsFile(ctx context.Context, p string) (bool, error) {
	info, err := f.Stat(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Type == TypeFile, nil
}

// IsDir reports whether p exists and is a directory
func (f *Fs) IsDir(ctx context.Context, p string) (bool, error) {
	info, err := f.Stat(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Type == TypeDirectory, nil
}

// Size returns the size in bytes of the item at p
func (f *Fs) Size(ctx context.Context, p string) (int64, error) {
	info, err := f.Stat(ctx, p)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Checksum returns the version tag of the item at p.  It changes
// whenever the content does, making it usable as a cheap change
// detector.
func (f *Fs) Checksum(ctx context.Context, p string) (string, error) {
	info, err := f.Stat(ctx, p)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

// Mkdir creates the directory at p, creating parent directories as
// needed.  It fails with ErrAlreadyExists when p already exists.
func (f *Fs) Mkdir(ctx context.Context, p string) error {
	p = parsePath(p)
	if p == "" {
		return fmt.Errorf("drive root: %w", ErrAlreadyExists)
	}
	parent, leaf := dircache.SplitPath(p)
	parentID, err := f.dirCache.FindDir(ctx, parent, true)
	if err != nil {
		return err
	}
	id, err := f.CreateDir(ctx, parentID, leaf)
	if err != nil {
		return err
	}
	f.dirCache.Put(p, id)
	f.listings.Invalidate(parent)
	f.invalidateAncestors(parent)
	return nil
}

// MkdirAll ensures the directory at p exists, creating it and any
// missing parents.  Unlike Mkdir it does not fail when p already
// exists.
func (f *Fs) MkdirAll(ctx context.Context, p string) error {
	p = parsePath(p)
	_, err := f.dirCache.FindDir(ctx, p, true)
	if err != nil {
		return err
	}
	f.invalidateAncestors(p)
	return nil
}

// deleteItem deletes the item with the given ID.  Depending on the
// options the item is moved to the recycle bin or deleted permanently.
func (f *Fs) deleteItem(ctx context.Context, id string) error {
	var opts rest.Opts
	if f.opt.UseRecycleBin {
		opts = f.newOptsCall(id, "DELETE", "")
	} else {
		opts = f.newOptsCall(id, "POST", "/permanentDelete")
	}
	opts.NoResponse = true
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.Call(ctx, &opts)
		return f.shouldRetry(ctx, resp, err)
	})
	return f.remapError(resp, err, "")
}

// removeCaches drops every cache entry a deletion of p invalidates
func (f *Fs) removeCaches(p string) {
	f.dirCache.FlushDir(p)
	f.listings.InvalidateSubtree(p)
	parent, _ := dircache.SplitPath(p)
	f.listings.Invalidate(parent)
}

// invalidateAncestors walks every directory prefix of p and drops the
// cached listing of any prefix that does not already list the next
// path segment.  Intermediate directories created on the way to p are
// thereby reflected in already-cached ancestor listings; listings that
// already contain the child stay valid.
func (f *Fs) invalidateAncestors(p string) {
	for p = parsePath(p); p != ""; {
		parent, leaf := dircache.SplitPath(p)
		if entries, ok := f.listings.Get(parent); ok {
			found := false
			for i := range entries {
				if entries[i].Name() == leaf {
					found = true
					break
				}
			}
			if !found {
				f.listings.Invalidate(parent)
			}
		}
		p = parent
	}
}

// remove deletes the item at p after the requested preconditions hold
func (f *Fs) remove(ctx context.Context, p string, requireDir, checkEmpty bool) error {
	p = parsePath(p)
	if p == "" {
		return fmt.Errorf("cannot remove the drive root: %w", ErrValidation)
	}
	info, err := f.Stat(ctx, p)
	if err != nil {
		return err
	}
	if requireDir && info.Type != TypeDirectory {
		return fmt.Errorf("/%s: not a directory", p)
	}
	if checkEmpty && info.Type == TypeDirectory {
		entries, err := f.List(ctx, p)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("/%s: %w", p, ErrDirectoryNotEmpty)
		}
	}
	if err := f.deleteItem(ctx, info.ID); err != nil {
		return err
	}
	f.removeCaches(p)
	return nil
}

// Remove deletes the file or empty directory at p
func (f *Fs) Remove(ctx context.Context, p string) error {
	return f.remove(ctx, p, false, true)
}

// Rmdir deletes the directory at p, which must be empty
func (f *Fs) Rmdir(ctx context.Context, p string) error {
	return f.remove(ctx, p, true, true)
}

// Purge deletes the directory at p and all its contents
func (f *Fs) Purge(ctx context.Context, p string) error {
	return f.remove(ctx, p, true, false)
}

// Move renames or moves the item at src to dst.  When dst names an
// existing directory src is moved into it keeping its name; when dst
// names an existing file the move fails with ErrAlreadyExists.
func (f *Fs) Move(ctx context.Context, src, dst string) error {
	src, dst = parsePath(src), parsePath(dst)
	srcID, err := f.itemID(ctx, src)
	if err != nil {
		return err
	}
	move := api.MoveItemRequest{}
	finalPath := dst
	dstInfo, err := f.Stat(ctx, dst)
	switch {
	case err == nil && dstInfo.Type == TypeDirectory:
		move.ParentReference = &api.ItemReference{ID: dstInfo.ID}
		_, leaf := dircache.SplitPath(src)
		finalPath = parsePath(path.Join(dst, leaf))
	case err == nil:
		return fmt.Errorf("/%s: %w", dst, ErrAlreadyExists)
	case errors.Is(err, ErrNotFound):
		parent, leaf := dircache.SplitPath(dst)
		parentID, findErr := f.dirCache.FindDir(ctx, parent, false)
		if findErr != nil {
			return findErr
		}
		move.ParentReference = &api.ItemReference{ID: parentID}
		move.Name = leaf
	default:
		return err
	}
	opts := f.newOptsCall(srcID, "PATCH", "")
	var resp *http.Response
	var info *api.Item
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, &move, &info)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return f.remapError(resp, err, "/"+src)
	}
	f.dirCache.FlushDir(src)
	f.listings.InvalidateSubtree(src)
	srcParent, _ := dircache.SplitPath(src)
	f.listings.Invalidate(srcParent)
	dstParent, _ := dircache.SplitPath(finalPath)
	f.listings.Invalidate(dstParent)
	return nil
}

// Touch ensures a file exists at p.  A missing file is created empty.
// For an existing file truncate replaces the content with empty
// content, otherwise only the modification time is bumped.
func (f *Fs) Touch(ctx context.Context, p string, truncate bool) error {
	p = parsePath(p)
	id, err := f.itemIDIfExists(ctx, p)
	if err != nil {
		return err
	}
	if id != "" && !truncate {
		update := api.MoveItemRequest{
			FileSystemInfo: &api.FileSystemInfoFacet{
				LastModifiedDateTime: api.Timestamp(time.Now().UTC()),
			},
		}
		opts := f.newOptsCall(id, "PATCH", "")
		var resp *http.Response
		var info *api.Item
		err = f.pacer.Call(ctx, func() (bool, error) {
			resp, err = f.srv.CallJSON(ctx, &opts, &update, &info)
			return f.shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return f.remapError(resp, err, "/"+p)
		}
		parent, _ := dircache.SplitPath(p)
		f.listings.Invalidate(parent)
		return nil
	}
	if id == "" {
		parent, leaf := dircache.SplitPath(p)
		parentID, err := f.dirCache.FindDir(ctx, parent, false)
		if err != nil {
			return err
		}
		id = compositeID(parentID, leaf)
	}
	_, err = f.putContent(ctx, id, p, nil)
	if err != nil {
		return err
	}
	parent, _ := dircache.SplitPath(p)
	f.listings.Invalidate(parent)
	return nil
}

// About gets the quota information of the drive
func (f *Fs) About(ctx context.Context) (*api.QuotaFacet, error) {
	var drive api.Drive
	opts := rest.Opts{
		Method: "GET",
		Path:   "",
	}
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, nil, &drive)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, f.remapError(resp, err, "")
	}
	return &drive.Quota, nil
}

// Preview asks the server for a short lived embeddable preview URL of
// the file at p.
func (f *Fs) Preview(ctx context.Context, p string) (*api.PreviewResponse, error) {
	opts := f.newOptsCallWithRootPath(p, "POST", "/preview")
	var result api.PreviewResponse
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, nil, &result)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, f.remapError(resp, err, "/"+parsePath(p))
	}
	return &result, nil
}

// Checkout checks out the file at p so only the current user can
// modify it.  Only meaningful on SharePoint document libraries.
func (f *Fs) Checkout(ctx context.Context, p string) error {
	opts := f.newOptsCallWithRootPath(p, "POST", "/checkout")
	opts.NoResponse = true
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.Call(ctx, &opts)
		return f.shouldRetry(ctx, resp, err)
	})
	return f.remapError(resp, err, "/"+parsePath(p))
}

// Checkin checks in the checked out file at p with an optional comment
func (f *Fs) Checkin(ctx context.Context, p string, comment string) error {
	opts := f.newOptsCallWithRootPath(p, "POST", "/checkin")
	opts.NoResponse = true
	checkin := api.CheckinRequest{Comment: comment}
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, &checkin, nil)
		return f.shouldRetry(ctx, resp, err)
	})
	return f.remapError(resp, err, "/"+parsePath(p))
}

// Versions lists the stored versions of the file at p, most recent
// first as returned by the server.
func (f *Fs) Versions(ctx context.Context, p string) ([]api.Version, error) {
	opts := f.newOptsCallWithRootPath(p, "GET", "/versions")
	var result api.VersionsResponse
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, nil, &result)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, f.remapError(resp, err, "/"+parsePath(p))
	}
	return result.Versions, nil
}

// Content downloads the whole content of the file at p.  A non empty
// format asks the server to convert the content, eg "pdf".
func (f *Fs) Content(ctx context.Context, p string, format string) ([]byte, error) {
	opts := f.newOptsCallWithRootPath(p, "GET", "/content")
	if format != "" {
		opts.Parameters = url.Values{"format": {format}}
	}
	var resp *http.Response
	var err error
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.Call(ctx, &opts)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, f.remapError(resp, err, "/"+parsePath(p))
	}
	return rest.ReadBody(resp)
}
