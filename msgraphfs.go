// Package msgraphfs provides a filesystem-like client for drives
// exposed through the Microsoft Graph API (OneDrive and SharePoint
// document libraries).
//
// Items are addressed by hierarchical path or by their opaque item ID;
// the ID is preferred once known as it is stable while a chain of
// operations is in flight.  All calls go through a single retrying
// request layer which classifies transient failures and backs off
// exponentially.
package msgraphfs

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/acsone/msgraphfs/api"
	"github.com/acsone/msgraphfs/dircache"
	"github.com/acsone/msgraphfs/fserrors"
	"github.com/acsone/msgraphfs/pacer"
	"github.com/acsone/msgraphfs/rest"
)

const (
	graphEndpoint    = "https://graph.microsoft.com/v1.0"
	minSleep         = 10 * time.Millisecond
	maxSleep         = 2 * time.Second
	decayConstant    = 2 // bigger for slower decay, exponential
	defaultRetries   = 5
	defaultChunkSize = 10 * 1024 * 1024
	// chunkSizeMultiple is the alignment the store mandates for all
	// upload fragments except the last one of a transfer.
	chunkSizeMultiple = 320 * 1024
	defaultListChunk  = 1000
	defaultPoll       = time.Second
)

// Errors returned by the package.  Operations wrap these with the
// path concerned, so test with errors.Is.
var (
	ErrNotFound             = errors.New("item not found")
	ErrAlreadyExists        = errors.New("item already exists")
	ErrDirectoryNotEmpty    = errors.New("directory not empty")
	ErrUploadSessionExpired = errors.New("upload session expired")
	ErrCopyFailed           = errors.New("copy operation failed")
	ErrValidation           = errors.New("invalid argument")
)

// retryErrorCodes is a slice of status codes that we will always retry
var retryErrorCodes = []int{
	429, // Too Many Requests.
	500, // Internal Server Error
	502, // Bad Gateway
	503, // Service Unavailable
	504, // Gateway Timeout
	509, // Bandwidth Limit Exceeded
}

// ItemType is the kind of a drive item
type ItemType string

// Kinds of drive item
const (
	TypeFile      ItemType = "file"
	TypeDirectory ItemType = "directory"
	TypeOther     ItemType = "other"
)

// Info is an immutable metadata snapshot of a drive item.  It is
// produced by metadata requests and re-fetched on demand, never
// mutated in place.
type Info struct {
	Path     string    // full path of the item within the drive
	Size     int64     // size in bytes
	Type     ItemType  // file, directory or other
	ModTime  time.Time // last modification time
	Created  time.Time // creation time
	ID       string    // opaque item ID
	ETag     string    // version tag, changes when the content does
	MimeType string    // mime type reported by the server (files only)
}

// Name returns the leaf name of the item
func (i *Info) Name() string {
	return path.Base(i.Path)
}

// DirListCache caches directory listings keyed by path.  It is an
// external collaborator of the filesystem: the client only reads it to
// avoid redundant listings and invalidates entries after mutations are
// confirmed by the server.
type DirListCache interface {
	Get(dir string) ([]Info, bool)
	Put(dir string, entries []Info)
	Invalidate(dir string)
	InvalidateSubtree(dir string)
}

// memListCache is the default in memory DirListCache
type memListCache struct {
	mu      sync.RWMutex
	entries map[string][]Info
}

func newMemListCache() *memListCache {
	return &memListCache{entries: make(map[string][]Info)}
}

func (c *memListCache) Get(dir string) ([]Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.entries[dir]
	return entries, ok
}

func (c *memListCache) Put(dir string, entries []Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dir] = entries
}

func (c *memListCache) Invalidate(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dir)
}

func (c *memListCache) InvalidateSubtree(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key == dir || strings.HasPrefix(key, dir+"/") {
			delete(c.entries, key)
		}
	}
}

// Options defines the configuration for the filesystem
type Options struct {
	// DriveID is the ID of the drive to use.  Required.
	DriveID string

	// TokenSource supplies a valid bearer credential for each
	// outgoing request, refreshing it transparently.  Required
	// unless BaseClient already carries authentication.
	TokenSource oauth2.TokenSource

	// Endpoint is the Graph API endpoint including the version,
	// eg "https://graph.microsoft.com/v1.0".
	Endpoint string

	// BaseClient is used as the base http client.  Defaults to
	// http.DefaultClient.
	BaseClient *http.Client

	// ChunkSize is the upload fragment size - must be a multiple
	// of 320 KiB.  Content below this size is uploaded in a single
	// request without an upload session.
	ChunkSize int64

	// Retries is the number of low level retries for a request
	Retries int

	// MinSleep and MaxSleep bound the retry backoff
	MinSleep time.Duration
	MaxSleep time.Duration

	// RetryStatusCodes overrides the set of HTTP status codes
	// treated as transient server failures.
	RetryStatusCodes []int

	// ListChunk is the page size used when listing directories
	ListChunk int64

	// UseRecycleBin moves deleted items to the recycle bin instead
	// of deleting them permanently.
	UseRecycleBin bool

	// CopyPollInterval is the interval between polls of an async
	// copy status URL.
	CopyPollInterval time.Duration

	// ListCache is the directory listing cache.  Defaults to an in
	// memory cache private to this Fs.
	ListCache DirListCache

	// GuessContentType guesses the media type used when uploading
	// content in one shot.  The default uses the path's extension
	// then sniffs the content, falling back to octet-stream.
	GuessContentType func(name string, data []byte) string
}

// Fs represents a remote Graph drive
type Fs struct {
	opt        Options            // parsed options
	srv        *rest.Client       // authenticated connection to the Graph API
	unAuth     *rest.Client       // unauthenticated connection for pre-signed URLs
	pacer      *pacer.Pacer       // pacer for API calls
	dirCache   *dircache.DirCache // map of directory path to directory id
	listings   DirListCache       // cache of directory listings
	retryCodes []int
}

// checkChunkSize checks that cs obeys the server's alignment rules
func checkChunkSize(cs int64) error {
	if cs <= 0 || cs%chunkSizeMultiple != 0 {
		return fmt.Errorf("chunk size %d is not a multiple of %d: %w", cs, int64(chunkSizeMultiple), ErrValidation)
	}
	return nil
}

// parsePath parses a drive path, normalizing it to the internal form
// with no leading or trailing slashes.  "" is the drive root.
func parsePath(p string) string {
	return strings.Trim(p, "/")
}

// defaultContentType guesses a media type for name, sniffing data when
// the extension says nothing.
func defaultContentType(name string, data []byte) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	if len(data) > 0 {
		if mt := mimetype.Detect(data); mt != nil {
			return mt.String()
		}
	}
	return "application/octet-stream"
}

// NewFs constructs an Fs for the drive given in opt.
//
// The returned Fs owns a persistent authenticated connection which is
// reused across calls; release it with Shutdown.
func NewFs(ctx context.Context, opt Options) (*Fs, error) {
	if opt.DriveID == "" {
		return nil, fmt.Errorf("drive ID is required: %w", ErrValidation)
	}
	if opt.Endpoint == "" {
		opt.Endpoint = graphEndpoint
	}
	if opt.ChunkSize == 0 {
		opt.ChunkSize = defaultChunkSize
	}
	if err := checkChunkSize(opt.ChunkSize); err != nil {
		return nil, err
	}
	if opt.Retries <= 0 {
		opt.Retries = defaultRetries
	}
	if opt.MinSleep <= 0 {
		opt.MinSleep = minSleep
	}
	if opt.MaxSleep <= 0 {
		opt.MaxSleep = maxSleep
	}
	if opt.ListChunk <= 0 {
		opt.ListChunk = defaultListChunk
	}
	if opt.CopyPollInterval <= 0 {
		opt.CopyPollInterval = defaultPoll
	}
	if opt.ListCache == nil {
		opt.ListCache = newMemListCache()
	}
	if opt.GuessContentType == nil {
		opt.GuessContentType = defaultContentType
	}
	if opt.RetryStatusCodes == nil {
		opt.RetryStatusCodes = retryErrorCodes
	}

	base := opt.BaseClient
	if base == nil {
		base = http.DefaultClient
	}
	authClient := base
	if opt.TokenSource != nil {
		authClient = oauth2.NewClient(
			context.WithValue(ctx, oauth2.HTTPClient, base),
			opt.TokenSource,
		)
	}

	driveURL := opt.Endpoint + "/drives/" + opt.DriveID
	f := &Fs{
		opt:        opt,
		srv:        rest.NewClient(authClient).SetRoot(driveURL),
		unAuth:     rest.NewClient(base),
		pacer: pacer.New(
			pacer.MinSleep(opt.MinSleep),
			pacer.MaxSleep(opt.MaxSleep),
			pacer.DecayConstant(decayConstant),
			pacer.Retries(opt.Retries),
		),
		listings:   opt.ListCache,
		retryCodes: opt.RetryStatusCodes,
	}
	f.srv.SetErrorHandler(errorHandler)

	// Get the ID of the drive root to seed the directory cache
	rootInfo, _, err := f.readMetaDataForPath(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get drive root: %w", err)
	}
	if rootInfo.GetID() == "" {
		return nil, errors.New("failed to get drive root: ID was empty")
	}
	f.dirCache = dircache.New("", rootInfo.GetID(), f)
	return f, nil
}

// Shutdown releases the persistent connections held by the Fs
func (f *Fs) Shutdown(ctx context.Context) error {
	f.srv.CloseIdleConnections()
	f.unAuth.CloseIdleConnections()
	return nil
}

// String converts this Fs to a string
func (f *Fs) String() string {
	return fmt.Sprintf("Graph drive %q", f.opt.DriveID)
}

// errorHandler parses a non 2xx error response into an error
func errorHandler(resp *http.Response) error {
	// Decode error response
	errResponse := new(api.Error)
	err := rest.DecodeJSON(resp, &errResponse)
	if err != nil {
		logrus.Debugf("msgraphfs: couldn't decode error response: %v", err)
	}
	if errResponse.ErrorInfo.Code == "" {
		errResponse.ErrorInfo.Code = resp.Status
	}
	return errResponse
}

// shouldRetry returns a boolean as to whether this resp and err
// deserve to be retried.  It returns the err as a convenience.
func (f *Fs) shouldRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if fserrors.ContextError(ctx, &err) {
		return false, err
	}
	retry := false
	if resp != nil {
		switch resp.StatusCode {
		case 401:
			if len(resp.Header["Www-Authenticate"]) == 1 && strings.Contains(resp.Header["Www-Authenticate"][0], "expired_token") {
				retry = true
				logrus.Debugf("msgraphfs: should retry: %v", err)
			}
		case 429: // Too Many Requests.
			if values := resp.Header["Retry-After"]; len(values) == 1 && values[0] != "" {
				retryAfter, parseErr := strconv.Atoi(values[0])
				if parseErr != nil {
					logrus.Debugf("msgraphfs: failed to parse Retry-After: %q: %v", values[0], parseErr)
				} else {
					duration := time.Second * time.Duration(retryAfter)
					retry = true
					err = pacer.NewRetryAfterError(err, duration)
					logrus.Debugf("msgraphfs: too many requests, trying again in %d seconds", retryAfter)
				}
			}
		case 507: // Insufficient Storage
			return false, fserrors.FatalError(err)
		}
	}
	return retry || fserrors.ShouldRetry(err) || fserrors.ShouldRetryHTTP(resp, f.retryCodes), err
}

// logicalPath extracts the drive relative path from a request URL
// path, stripping the internal "root:" routing prefix.
func logicalPath(urlPath string) string {
	if i := strings.Index(urlPath, "root:"); i >= 0 {
		urlPath = strings.TrimSuffix(urlPath[i+len("root:"):], ":")
	}
	if unescaped, err := url.PathUnescape(urlPath); err == nil {
		urlPath = unescaped
	}
	return urlPath
}

// remapError translates a terminal error.  404 becomes ErrNotFound
// carrying the logical path; other terminal server errors are logged
// with their status code - a 404 is never logged as an error.
func (f *Fs) remapError(resp *http.Response, err error, logical string) error {
	if err == nil || resp == nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		p := logical
		if p == "" && resp.Request != nil {
			p = logicalPath(resp.Request.URL.Path)
		}
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		logrus.Errorf("msgraphfs: HTTP error %d: %v", resp.StatusCode, err)
	}
	return err
}

/*
 * URL build routine area: all concrete request targets are built here.
 */

// newOptsCall builds the rest.Opts for an item addressed by ID, with
// an optional action route, using the template /items/{itemID}{route}.
//
// The ID may be a composite "parentID:/name:" token used to address a
// child which does not exist yet; such tokens are passed through
// untouched.
func (f *Fs) newOptsCall(id string, method string, route string) (opts rest.Opts) {
	return rest.Opts{
		Method: method,
		Path:   "/items/" + id + route,
	}
}

// newOptsCallWithRootPath builds the rest.Opts for an item addressed
// by its drive root relative path, using the template
// /root:/{path}:{route}.
func (f *Fs) newOptsCallWithRootPath(p string, method string, route string) (opts rest.Opts) {
	p = parsePath(p)
	if p == "" {
		return rest.Opts{
			Method: method,
			Path:   "/root" + route,
		}
	}
	newPath := "/root:/" + rest.URLPathEscape(p) + ":" + route
	if route == "" {
		newPath = strings.TrimSuffix(newPath, ":")
	}
	return rest.Opts{
		Method: method,
		Path:   newPath,
	}
}

// resolveOpts builds the rest.Opts for an item, preferring the ID form
// when the ID is known as IDs are stable across renames while an
// operation chain is in flight.
func (f *Fs) resolveOpts(p string, id string, method string, route string) (opts rest.Opts) {
	if id != "" {
		return f.newOptsCall(id, method, route)
	}
	return f.newOptsCallWithRootPath(p, method, route)
}

/*
 * URL build routine area end
 */

// readMetaDataForPathRelativeToID reads the metadata for relPath
// relative to an item addressed by its ID.  If relPath == "" it reads
// the metadata for the item with that ID.
func (f *Fs) readMetaDataForPathRelativeToID(ctx context.Context, id string, relPath string) (info *api.Item, resp *http.Response, err error) {
	entity := "/items/" + id
	if relPath != "" {
		entity += ":/" + rest.URLPathEscape(relPath)
	}
	opts := rest.Opts{
		Method: "GET",
		Path:   entity,
	}
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, nil, &info)
		return f.shouldRetry(ctx, resp, err)
	})
	return info, resp, err
}

// readMetaDataForPath reads the metadata for the path relative to the
// drive root
func (f *Fs) readMetaDataForPath(ctx context.Context, p string) (info *api.Item, resp *http.Response, err error) {
	opts := f.newOptsCallWithRootPath(p, "GET", "")
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, nil, &info)
		return f.shouldRetry(ctx, resp, err)
	})
	return info, resp, err
}

// itemID looks up the ID of the item at path.  It returns an error
// wrapping ErrNotFound if the item doesn't exist.
func (f *Fs) itemID(ctx context.Context, p string) (string, error) {
	p = parsePath(p)
	info, resp, err := f.readMetaDataForPath(ctx, p)
	if err != nil {
		return "", f.remapError(resp, err, "/"+p)
	}
	return info.GetID(), nil
}

// itemIDIfExists looks up the ID of the item at path, returning ""
// with no error when the item is absent.  A 404 on a best effort
// lookup means "absent", not a failure.
func (f *Fs) itemIDIfExists(ctx context.Context, p string) (string, error) {
	id, err := f.itemID(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return id, err
}

// FindLeaf finds a directory of name leaf in the directory with ID
// pathID.  It implements dircache.DirCacher.
func (f *Fs) FindLeaf(ctx context.Context, pathID, leaf string) (pathIDOut string, found bool, err error) {
	info, resp, err := f.readMetaDataForPathRelativeToID(ctx, pathID, leaf)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if info.GetFolder() == nil {
		return "", false, fmt.Errorf("found file %q when looking for folder", leaf)
	}
	return info.GetID(), true, nil
}

// CreateDir makes a directory with pathID as parent and name leaf.  It
// implements dircache.DirCacher.
func (f *Fs) CreateDir(ctx context.Context, pathID, leaf string) (newID string, err error) {
	var resp *http.Response
	var info *api.Item
	opts := f.newOptsCall(pathID, "POST", "/children")
	mkdir := api.CreateItemRequest{
		Name:             leaf,
		ConflictBehavior: "fail",
	}
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err = f.srv.CallJSON(ctx, &opts, &mkdir, &info)
		return f.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return "", fmt.Errorf("%s: %w", leaf, ErrAlreadyExists)
		}
		return "", f.remapError(resp, err, "")
	}
	return info.GetID(), nil
}

// itemToInfo converts an api.Item in directory dir into an Info
func itemToInfo(dir string, item *api.Item) Info {
	info := Info{
		Path:    "/" + parsePath(path.Join(dir, item.GetName())),
		Size:    item.GetSize(),
		Type:    TypeOther,
		ModTime: item.ModTime(),
		Created: item.CreatedTime(),
		ID:      item.GetID(),
		ETag:    item.ETag,
	}
	switch {
	case item.GetFolder() != nil:
		info.Type = TypeDirectory
	case item.GetFile() != nil:
		info.Type = TypeFile
		info.MimeType = item.GetFile().MimeType
	}
	return info
}
