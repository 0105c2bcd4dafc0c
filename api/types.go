// Package api provides types used by the Microsoft Graph drive API.
//
// See the driveItem resource documentation
// https://learn.microsoft.com/en-us/graph/api/resources/driveitem
package api

import (
	"fmt"
	"time"
)

// Timestamp represents a time as described by the Graph API
//
// These are in RFC3339 format with fractional seconds, eg
// "2016-09-21T20:36:50.733Z"
type Timestamp time.Time

// MarshalJSON turns a Timestamp into JSON (in UTC)
func (t Timestamp) MarshalJSON() (out []byte, err error) {
	timeString := time.Time(t).UTC().Format(`"` + time.RFC3339 + `"`)
	return []byte(timeString), nil
}

// UnmarshalJSON turns JSON into a Timestamp
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" || string(data) == `""` {
		return nil
	}
	newT, err := time.Parse(`"`+time.RFC3339+`"`, string(data))
	if err != nil {
		return err
	}
	*t = Timestamp(newT)
	return nil
}

// IsZero reports whether t is the zero time
func (t Timestamp) IsZero() bool {
	return time.Time(t).IsZero()
}

// Error is returned from the Graph API when things go wrong
type Error struct {
	ErrorInfo struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			Code string `json:"code"`
		} `json:"innererror"`
	} `json:"error"`
}

// Error returns a string for the error and satisfies the error interface
func (e *Error) Error() string {
	out := e.ErrorInfo.Code
	if e.ErrorInfo.InnerError.Code != "" {
		out += ": " + e.ErrorInfo.InnerError.Code
	}
	out += ": " + e.ErrorInfo.Message
	return out
}

// Check Error satisfies the error interface
var _ error = (*Error)(nil)

// Identity represents an identity of an actor
type Identity struct {
	DisplayName string `json:"displayName,omitempty"`
	ID          string `json:"id,omitempty"`
}

// IdentitySet is a keyed collection of Identity objects
type IdentitySet struct {
	User        Identity `json:"user,omitempty"`
	Application Identity `json:"application,omitempty"`
}

// QuotaFacet provides information about the drive's storage quota
type QuotaFacet struct {
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Deleted   int64  `json:"deleted"`
	State     string `json:"state"`
}

// Drive is a representation of a drive resource
type Drive struct {
	ID        string     `json:"id"`
	DriveType string     `json:"driveType"`
	Quota     QuotaFacet `json:"quota"`
}

// ItemReference groups data needed to reference a drive item across
// the API
type ItemReference struct {
	DriveID   string `json:"driveId,omitempty"`
	DriveType string `json:"driveType,omitempty"`
	ID        string `json:"id,omitempty"`
	Path      string `json:"path,omitempty"`
}

// FolderFacet groups folder-related data on an item
type FolderFacet struct {
	ChildCount int64 `json:"childCount"`
}

// HashesType groups different types of hashes
type HashesType struct {
	QuickXorHash string `json:"quickXorHash,omitempty"`
	Sha1Hash     string `json:"sha1Hash,omitempty"`
}

// FileFacet groups file-related data on an item
type FileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   HashesType `json:"hashes"`
}

// FileSystemInfoFacet contains properties that are reported by the
// device's local file system
type FileSystemInfoFacet struct {
	CreatedDateTime      Timestamp `json:"createdDateTime,omitempty"`
	LastModifiedDateTime Timestamp `json:"lastModifiedDateTime,omitempty"`
}

// DeletedFacet indicates that the item on the drive has been deleted
type DeletedFacet struct {
	State string `json:"state,omitempty"`
}

// Item represents metadata for an item in the drive
type Item struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	ETag                 string               `json:"eTag,omitempty"`
	CTag                 string               `json:"cTag,omitempty"`
	Size                 int64                `json:"size"`
	WebURL               string               `json:"webUrl,omitempty"`
	CreatedDateTime      Timestamp            `json:"createdDateTime,omitempty"`
	LastModifiedDateTime Timestamp            `json:"lastModifiedDateTime,omitempty"`
	CreatedBy            IdentitySet          `json:"createdBy,omitempty"`
	LastModifiedBy       IdentitySet          `json:"lastModifiedBy,omitempty"`
	ParentReference      *ItemReference       `json:"parentReference,omitempty"`
	Folder               *FolderFacet         `json:"folder,omitempty"`
	File                 *FileFacet           `json:"file,omitempty"`
	FileSystemInfo       *FileSystemInfoFacet `json:"fileSystemInfo,omitempty"`
	Deleted              *DeletedFacet        `json:"deleted,omitempty"`
}

// GetID returns the ID of the item
func (i *Item) GetID() string {
	return i.ID
}

// GetName returns the name of the item
func (i *Item) GetName() string {
	return i.Name
}

// GetFolder returns the folder facet of the item, or nil for a file
func (i *Item) GetFolder() *FolderFacet {
	return i.Folder
}

// GetFile returns the file facet of the item, or nil for a folder
func (i *Item) GetFile() *FileFacet {
	return i.File
}

// GetSize returns the size of the item
func (i *Item) GetSize() int64 {
	return i.Size
}

// ModTime returns the modification time of the item, preferring the
// file system facet over the item level value
func (i *Item) ModTime() time.Time {
	if i.FileSystemInfo != nil && !i.FileSystemInfo.LastModifiedDateTime.IsZero() {
		return time.Time(i.FileSystemInfo.LastModifiedDateTime)
	}
	return time.Time(i.LastModifiedDateTime)
}

// CreatedTime returns the creation time of the item
func (i *Item) CreatedTime() time.Time {
	if i.FileSystemInfo != nil && !i.FileSystemInfo.CreatedDateTime.IsZero() {
		return time.Time(i.FileSystemInfo.CreatedDateTime)
	}
	return time.Time(i.CreatedDateTime)
}

// ListChildrenResponse is the response to the list children method
type ListChildrenResponse struct {
	Value    []Item `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}

// CreateItemRequest is the request to create an item
//
// Always Type Folder for now
type CreateItemRequest struct {
	Name             string      `json:"name"`
	Folder           FolderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"`
}

// MoveItemRequest is the request to need to move an item or update
// its metadata
type MoveItemRequest struct {
	Name            string               `json:"name,omitempty"`
	ParentReference *ItemReference       `json:"parentReference,omitempty"`
	FileSystemInfo  *FileSystemInfoFacet `json:"fileSystemInfo,omitempty"`
}

// CopyItemRequest is the request to copy an item
//
// Name is a pointer as the API requires the field to be absent, not
// empty, to keep the source name.
type CopyItemRequest struct {
	ParentReference ItemReference `json:"parentReference"`
	Name            *string       `json:"name,omitempty"`
}

// CreateUploadRequest is the request to create an upload session
//
// ConflictBehavior is "replace" so that the commit overwrites any
// concurrent creation, and DeferCommit makes the item materialize only
// on the explicit commit call rather than on the final fragment.
type CreateUploadRequest struct {
	Item struct {
		ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"`
	} `json:"item"`
	DeferCommit bool `json:"deferCommit"`
}

// NewCreateUploadRequest makes a CreateUploadRequest with the
// conflict behaviour and commit mode the upload state machine needs.
func NewCreateUploadRequest() (r CreateUploadRequest) {
	r.Item.ConflictBehavior = "replace"
	r.DeferCommit = true
	return r
}

// CreateUploadResponse is the response from creating an upload session
type CreateUploadResponse struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime Timestamp `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

// UploadFragmentResponse is the response from uploading a fragment
type UploadFragmentResponse struct {
	ExpirationDateTime Timestamp `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

// AsyncOperationStatus provides information on the status of an
// asynchronous job progress, obtained from the URL in the Location
// header of an accepted async request.
//
// The status endpoint carries its own time limited token so it is
// polled without credentials.
type AsyncOperationStatus struct {
	Operation          string  `json:"operation,omitempty"`
	PercentageComplete float64 `json:"percentageComplete"`
	Status             string  `json:"status"`
	ErrorCode          string  `json:"errorCode,omitempty"`
	ResourceID         string  `json:"resourceId,omitempty"`
}

// Version is a version of a drive item
type Version struct {
	ID                   string      `json:"id"`
	LastModifiedDateTime Timestamp   `json:"lastModifiedDateTime"`
	Size                 int64       `json:"size"`
	LastModifiedBy       IdentitySet `json:"lastModifiedBy,omitempty"`
}

// VersionsResponse is returned from the item versions call
type VersionsResponse struct {
	Versions []Version `json:"value"`
}

// PreviewResponse is returned from the item preview call
type PreviewResponse struct {
	GetURL         string `json:"getUrl,omitempty"`
	PostURL        string `json:"postUrl,omitempty"`
	PostParameters string `json:"postParameters,omitempty"`
}

// CheckinRequest is the request to check in a checked out file
type CheckinRequest struct {
	Comment string `json:"comment,omitempty"`
}

// String returns a string summary of the item
func (i *Item) String() string {
	kind := "file"
	if i.Folder != nil {
		kind = "folder"
	}
	return fmt.Sprintf("%s %q (%d bytes)", kind, i.Name, i.Size)
}
