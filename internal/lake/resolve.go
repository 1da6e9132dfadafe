// Package lake is the object-storage seam: the single path resolver that
// maps logical catalog locations to physical buckets, the ObjectStore
// interface, its MinIO implementation and an in-memory store for tests.
package lake

import (
	"path"
	"strings"
)

// Location is a resolved physical address in the lake.
type Location struct {
	Bucket string
	Key    string
	URI    string
}

// Resolve maps a logical "bucket/key..." location and an environment tag to
// a physical location. The environment prefixes the bucket, so environment
// isolation has exactly one source of truth.
func Resolve(location, env string) Location {
	trimmed := strings.Trim(location, "/")

	bucket, key, _ := strings.Cut(trimmed, "/")
	if env != "" {
		bucket = env + "-" + bucket
	}

	uri := "s3a://" + bucket
	if key != "" {
		uri += "/" + key
	}

	return Location{Bucket: bucket, Key: key, URI: uri}
}

// Child resolves a location and appends a file name to its key.
func Child(location, env, name string) Location {
	parent := Resolve(location, env)
	key := path.Join(parent.Key, name)

	return Location{
		Bucket: parent.Bucket,
		Key:    key,
		URI:    "s3a://" + parent.Bucket + "/" + key,
	}
}
