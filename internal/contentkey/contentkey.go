// Package contentkey derives the artifact name of a synthesis request from its
// text.
package contentkey

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Extension is the suffix of every rendered artifact.
const Extension = ".wav"

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Normalize replaces line breaks with spaces. The engine reads one text line
// per job, so a request must never carry one.
func Normalize(text string) string {
	return lineBreaks.Replace(text)
}

// Of returns the hex BLAKE3-256 digest of the normalized text.
func Of(text string) string {
	sum := blake3.Sum256([]byte(Normalize(text)))

	return hex.EncodeToString(sum[:])
}

// Filename returns the artifact file name for key.
func Filename(key string) string {
	return key + Extension
}
