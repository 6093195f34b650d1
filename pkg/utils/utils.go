// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package utils

import "strings"

// ShortID returns the first n characters of an opaque identifier, or the
// whole identifier when shorter. Used to keep filenames and log lines compact.
func ShortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// TrimToRunes truncates s to at most n runes without splitting a rune.
func TrimToRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// CompactSpaces collapses runs of whitespace into single spaces and trims
// the ends. Streaming LLM deltas frequently carry stray whitespace.
func CompactSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
