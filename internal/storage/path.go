package storage

import (
	"fmt"
	"strings"
)

// AccessType is encoded in every storage key for operational filtering.
// Authorization itself happens outside this package.
type AccessType string

const (
	AccessPrivate AccessType = "private"
	AccessPublic  AccessType = "public"
)

// Valid reports whether a is a known access type
func (a AccessType) Valid() bool {
	return a == AccessPrivate || a == AccessPublic
}

const (
	// ThumbnailDir is the child folder holding derived thumbnails
	ThumbnailDir = "thumbnails"
	// ThumbnailPrefix marks a thumbnail filename
	ThumbnailPrefix = "thumb_"
	// DefaultBusiness is used when an upload names no business folder
	DefaultBusiness = "common"
)

// PathOptions are the inputs of a storage key
type PathOptions struct {
	PathPrefix  string
	Environment string
	AccessType  AccessType
	Business    string
	Filename    string
	Thumbnail   bool
}

// PathInfo is a storage key split back into its parts
type PathInfo struct {
	PathPrefix  string
	Environment string
	AccessType  AccessType
	Business    string
	Filename    string
	Thumbnail   bool
}

// GeneratePath builds the key
//
//	[prefix/]environment/accessType/business/[thumbnails/][thumb_]filename
//
// It performs no I/O and returns the same key for the same options.
func GeneratePath(o PathOptions) string {
	access := o.AccessType
	if access == "" {
		access = AccessPrivate
	}
	business := NormalizePath(o.Business)
	if business == "" {
		business = DefaultBusiness
	}

	parts := make([]string, 0, 6)
	if prefix := NormalizePath(o.PathPrefix); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, NormalizePath(o.Environment), string(access), business)

	filename := o.Filename
	if o.Thumbnail {
		parts = append(parts, ThumbnailDir)
		if !strings.HasPrefix(filename, ThumbnailPrefix) {
			filename = ThumbnailPrefix + filename
		}
	}
	parts = append(parts, filename)

	return NormalizePath(strings.Join(parts, "/"))
}

// ParsePathInfo splits a key produced by GeneratePath. Parsing runs from the
// end of the key so that multi-segment prefixes are preserved.
func ParsePathInfo(key string) (PathInfo, error) {
	segs := splitKey(key)
	n := len(segs)
	if n < 4 {
		return PathInfo{}, fmt.Errorf("storage key %q has %d segments, need at least 4", key, n)
	}

	thumbnail := n >= 5 && segs[n-2] == ThumbnailDir && AccessType(segs[n-4]).Valid()
	accessIdx := n - 3
	if thumbnail {
		accessIdx = n - 4
	}
	access := AccessType(segs[accessIdx])
	if !access.Valid() {
		return PathInfo{}, fmt.Errorf("storage key %q has no access type at segment %d", key, accessIdx)
	}
	if accessIdx < 1 {
		return PathInfo{}, fmt.Errorf("storage key %q has no environment segment", key)
	}

	return PathInfo{
		PathPrefix:  strings.Join(segs[:accessIdx-1], "/"),
		Environment: segs[accessIdx-1],
		AccessType:  access,
		Business:    segs[accessIdx+1],
		Filename:    segs[n-1],
		Thumbnail:   thumbnail,
	}, nil
}

// GenerateThumbnailPath returns the sibling thumbnail key of an original key.
// Applying it to a thumbnail key returns that key unchanged.
func GenerateThumbnailPath(key string) (string, error) {
	info, err := ParsePathInfo(key)
	if err != nil {
		return "", err
	}
	return GeneratePath(PathOptions{
		PathPrefix:  info.PathPrefix,
		Environment: info.Environment,
		AccessType:  info.AccessType,
		Business:    info.Business,
		Filename:    strings.TrimPrefix(info.Filename, ThumbnailPrefix),
		Thumbnail:   true,
	}), nil
}

// IsValidPath reports whether key has at least four segments and an access
// type token at the expected offset.
func IsValidPath(key string) bool {
	_, err := ParsePathInfo(key)
	return err == nil
}

// IsThumbnailPath reports whether key lives under a thumbnails folder
func IsThumbnailPath(key string) bool {
	info, err := ParsePathInfo(key)
	return err == nil && info.Thumbnail
}

// NormalizePath collapses repeated separators and trims leading and trailing ones
func NormalizePath(p string) string {
	return strings.Join(splitKey(p), "/")
}

func splitKey(p string) []string {
	raw := strings.Split(strings.ReplaceAll(p, "\\", "/"), "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
