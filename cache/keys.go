package cache

import (
	"hash/fnv"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// maxEncodedParams is the length past which the encoded parameter string is
// replaced by its hash, keeping store keys short for queries with many
// parameters.
const maxEncodedParams = 64

// Key derives a deterministic cache key from a logical namespace and the
// request's semantic parameters. Two logically-equivalent queries always map
// to the same key: parameter names and values are case-folded and trimmed,
// empty values are dropped, and parameters are encoded in sorted-name order
// so map iteration and request ordering never leak into the key. The result
// depends on nothing but its arguments.
func Key(namespace string, params map[string]string) string {
	names := make([]string, 0, len(params))
	norm := make(map[string]string, len(params))
	for name, value := range params {
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		if name == "" || value == "" {
			continue
		}
		if _, seen := norm[name]; !seen {
			names = append(names, name)
		}
		norm[name] = value
	}
	sort.Strings(names)

	// Names and values are escaped before joining so a value containing the
	// separator characters cannot reconstruct a different parameter set's
	// encoding.
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(norm[name]))
	}
	encoded := strings.Join(parts, "&")

	if len(encoded) > maxEncodedParams {
		h := fnv.New64a()
		h.Write([]byte(encoded))
		encoded = strconv.FormatUint(h.Sum64(), 16)
	}
	if encoded == "" {
		return namespace
	}
	return namespace + ":" + encoded
}
