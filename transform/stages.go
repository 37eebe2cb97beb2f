package transform

import (
	"bytes"
	"compress/gzip"
	"fmt"
)

// GzipStage compresses the body and sets Content-Encoding/Vary, the Go
// analogue of original_source's
// plugins/experimental/ats_pagespeed/gzip/gzip.cc transform body.
func GzipStage() Stage {
	return Stage{
		Name: "gzip",
		Header: func(h map[string][]string) map[string][]string {
			out := cloneHeader(h)
			out["Content-Encoding"] = []string{"gzip"}
			out["Vary"] = appendUnique(out["Vary"], "Accept-Encoding")
			return out
		},
		Body: func(in []byte) ([]byte, error) {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			if _, err := w.Write(in); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	}
}

// ETagSuffixStage suffixes the ETag to distinguish a transformed
// representation from its untransformed original, mirroring the header
// mutation style of original_source's header_rewrite plugin.
func ETagSuffixStage(suffix string) Stage {
	return Stage{
		Name: "etag-suffix",
		Header: func(h map[string][]string) map[string][]string {
			out := cloneHeader(h)
			if et, ok := out["Etag"]; ok && len(et) > 0 {
				out["Etag"] = []string{fmt.Sprintf("%s-%s", trimQuotes(et[0]), suffix)}
			}
			return out
		},
	}
}

func cloneHeader(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func appendUnique(vals []string, v string) []string {
	for _, existing := range vals {
		if existing == v {
			return vals
		}
	}
	return append(vals, v)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
