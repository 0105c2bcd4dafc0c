// Package dircache provides a simple cache for caching directory ID
// to path lookups and path to directory ID lookups.
package dircache

// _methods are called without the lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DirCache caches paths to directory IDs and vice versa
type DirCache struct {
	mu           sync.RWMutex
	cache        map[string]string
	invCache     map[string]string
	fs           DirCacher // Interface to find and make stuff
	trueRootID   string    // ID of the absolute root
	root         string    // the path we are working on
	rootID       string    // ID of the root directory
	rootParentID string    // ID of the root's parent directory
	foundRoot    bool      // Whether we have found the root or not
}

// DirCacher describes an interface for doing the low level directory work
//
// This should be implemented by the remote which wants to use the DirCache
type DirCacher interface {
	FindLeaf(ctx context.Context, pathID, leaf string) (pathIDOut string, found bool, err error)
	CreateDir(ctx context.Context, pathID, leaf string) (newID string, err error)
}

// New makes a DirCache
//
// This is created with the true root ID and the root path.
//
// The cache is safe for concurrent use
func New(root string, trueRootID string, fs DirCacher) *DirCache {
	d := &DirCache{
		trueRootID: trueRootID,
		root:       root,
		fs:         fs,
	}
	d.Flush()
	d.ResetRoot()
	return d
}

// _get an ID given a path - without lock
func (dc *DirCache) _get(path string) (id string, ok bool) {
	id, ok = dc.cache[path]
	return
}

// Get gets an ID given a path
func (dc *DirCache) Get(path string) (id string, ok bool) {
	dc.mu.RLock()
	id, ok = dc._get(path)
	dc.mu.RUnlock()
	return
}

// GetInv gets a path given an ID
func (dc *DirCache) GetInv(id string) (path string, ok bool) {
	dc.mu.RLock()
	path, ok = dc.invCache[id]
	dc.mu.RUnlock()
	return
}

// _put a path, id into the map without lock
func (dc *DirCache) _put(path, id string) {
	dc.cache[path] = id
	dc.invCache[id] = path
}

// Put a path, id into the map
func (dc *DirCache) Put(path, id string) {
	dc.mu.Lock()
	dc._put(path, id)
	dc.mu.Unlock()
}

// _flush the map of all data without lock
func (dc *DirCache) _flush() {
	dc.cache = make(map[string]string)
	dc.invCache = make(map[string]string)
}

// Flush the map of all data
func (dc *DirCache) Flush() {
	dc.mu.Lock()
	dc._flush()
	dc.mu.Unlock()
}

// FlushDir flushes the map of all data starting with the path dir.
//
// If dir is empty string then this is equivalent to calling ResetRoot
func (dc *DirCache) FlushDir(dir string) {
	if dir == "" {
		dc.ResetRoot()
		return
	}
	dc.mu.Lock()

	// Delete the dir and any keys under it
	for key, id := range dc.cache {
		if key == dir || strings.HasPrefix(key, dir+"/") {
			delete(dc.cache, key)
			delete(dc.invCache, id)
		}
	}

	dc.mu.Unlock()
}

// SplitPath splits a path into directory, leaf
//
// Path shouldn't start or end with a /
//
// If there are no slashes then directory will be "" and leaf = path
func SplitPath(path string) (directory, leaf string) {
	lastSlash := strings.LastIndex(path, "/")
	if lastSlash >= 0 {
		directory = path[:lastSlash]
		leaf = path[lastSlash+1:]
	} else {
		directory = ""
		leaf = path
	}
	return
}

// FindDir finds the directory passed in returning the directory ID
// starting from pathID
//
// Path shouldn't start or end with a /
//
// If create is set it will make the directory if not found
func (dc *DirCache) FindDir(ctx context.Context, path string, create bool) (pathID string, err error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc._findDir(ctx, path, create)
}

// Look for the root and in the cache - safe to call without the mu
func (dc *DirCache) _findDirInCache(path string) string {
	// If it is the root, then return it
	if path == "" {
		return dc.rootID
	}

	// If it is in the cache then return it
	pathID, ok := dc._get(path)
	if ok {
		return pathID
	}

	return ""
}

// Unlocked findDir - must have mu
func (dc *DirCache) _findDir(ctx context.Context, path string, create bool) (pathID string, err error) {
	pathID = dc._findDirInCache(path)
	if pathID != "" {
		return pathID, nil
	}

	// Split the path into directory, leaf
	directory, leaf := SplitPath(path)

	// Recurse and find pathID for parent directory
	parentPathID, err := dc._findDir(ctx, directory, create)
	if err != nil {
		return "", err
	}

	// Find the leaf in parentPathID
	pathID, found, err := dc.fs.FindLeaf(ctx, parentPathID, leaf)
	if err != nil {
		return "", err
	}

	// If not found create the directory if required or return an error
	if !found {
		if create {
			pathID, err = dc.fs.CreateDir(ctx, parentPathID, leaf)
			if err != nil {
				return "", fmt.Errorf("failed to make directory: %w", err)
			}
		} else {
			return "", fmt.Errorf("couldn't find directory %q", path)
		}
	}

	// Store the leaf directory in the cache
	dc._put(path, pathID)

	return pathID, nil
}

// FindPath finds the leaf and directoryID from a path
//
// If create is set parent directories will be created if they don't exist
func (dc *DirCache) FindPath(ctx context.Context, path string, create bool) (leaf, directoryID string, err error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	directory, leaf := SplitPath(path)
	directoryID, err = dc._findDir(ctx, directory, create)
	if err != nil {
		if create {
			err = fmt.Errorf("couldn't find or make directory %q: %w", directory, err)
		} else {
			err = fmt.Errorf("couldn't find directory %q: %w", directory, err)
		}
	}
	return
}

// FindRoot finds the root directory if not already found
//
// If create is set it will make the directory if not found
func (dc *DirCache) FindRoot(ctx context.Context, create bool) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.foundRoot {
		return nil
	}
	rootID, err := dc._findDir(ctx, dc.root, create)
	if err != nil {
		return err
	}
	dc.foundRoot = true
	dc.rootID = rootID

	// Find the parent of the root while we still have the root
	// directory tree cached
	rootParentPath, _ := SplitPath(dc.root)
	dc.rootParentID, _ = dc._get(rootParentPath)

	// Reset the tree based on dc.root
	dc._flush()
	// Put the root directory in
	dc._put("", dc.rootID)
	return nil
}

// RootID returns the ID of the root directory
func (dc *DirCache) RootID(ctx context.Context, create bool) (string, error) {
	dc.mu.Lock()
	if dc.foundRoot {
		defer dc.mu.Unlock()
		return dc.rootID, nil
	}
	dc.mu.Unlock()
	if err := dc.FindRoot(ctx, create); err != nil {
		return "", err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.rootID, nil
}

// ResetRoot resets the root directory to the absolute root and clears
// the DirCache
func (dc *DirCache) ResetRoot() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.foundRoot = false
	dc._flush()

	// Put the true root in
	dc.rootID = dc.trueRootID

	// Put the root directory in
	dc._put("", dc.rootID)
}
