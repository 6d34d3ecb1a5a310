// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content digests for policy artifacts and trace events.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix marks every digest produced by this package.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshalled with encoding/json first so struct tags are honoured,
// then rewritten by the JCS transformer: keys sorted by UTF-16 code units,
// no HTML escaping, ES6 number formatting.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// HashBytes returns the prefixed SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// Digest canonicalizes v and returns its digest.
func Digest(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ArtifactDigest returns the digest of raw artifact content. JSON documents
// are canonicalized first, so whitespace and key order do not change the
// digest; any other content is hashed byte for byte.
func ArtifactDigest(content []byte) string {
	if json.Valid(content) {
		if canonical, err := jcs.Transform(content); err == nil {
			return HashBytes(canonical)
		}
	}
	return HashBytes(content)
}
