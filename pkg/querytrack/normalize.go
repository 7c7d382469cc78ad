/*
Copyright 2024 The Alibaba Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package querytrack

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	// quoted strings, with '' escapes inside
	reStringLit = regexp.MustCompile(`'(?:[^']|'')*'`)
	// bare numeric literals; digits inside identifiers have no word
	// boundary before them and are left alone
	reNumberLit = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	// positional parameters
	reParam = regexp.MustCompile(`\$\d+`)
	reSpace = regexp.MustCompile(`\s+`)
)

// Normalize scrubs literals out of a query text and compacts its
// whitespace, so texts differing only in constants collapse to one
// stored form.
func Normalize(sql string) string {
	s := reStringLit.ReplaceAllString(sql, "?")
	s = reParam.ReplaceAllString(s, "?")
	s = reNumberLit.ReplaceAllString(s, "?")
	s = reSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint derives the stable identity of a query from its
// normalized text. Two texts differing only in literals fingerprint
// identically.
func Fingerprint(sql string) uint64 {
	return xxhash.Sum64String(Normalize(sql))
}
