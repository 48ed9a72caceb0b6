package preprocess

import (
	"strconv"
	"strings"
)

// maxDirectiveScan limits how far into content we scan for an in-band
// directive, so a malicious huge payload cannot force a linear scan of the
// entire content.
const maxDirectiveScan = 2048

// directivePrefix is the in-band marker clients may embed in Request.Content
// to override routing/budget hints without a separate side-channel field.
const directivePrefix = "@@routingcore"

// directiveOverride carries the parsed key=value pairs from one
// "@@routingcore k=v k=v" line.
type directiveOverride struct {
	priority   string
	maxCost    float64
	maxCostSet bool
}

// parseDirectives scans content for an @@routingcore directive line and
// returns the overrides found, or nil if none. Unrecognized keys are
// ignored rather than rejected, matching the tolerant parsing the rest of
// the normalization pipeline uses.
func parseDirectives(content string) *directiveOverride {
	scan := content
	if len(scan) > maxDirectiveScan {
		scan = scan[:maxDirectiveScan]
	}
	idx := strings.Index(scan, directivePrefix)
	if idx < 0 {
		return nil
	}
	line := scan[idx+len(directivePrefix):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	d := &directiveOverride{}
	for _, part := range strings.Fields(line) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch key {
		case "priority":
			d.priority = val
		case "max_cost":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				d.maxCost = f
				d.maxCostSet = true
			}
		}
	}
	return d
}

// stripDirectives removes the @@routingcore directive line from content so
// it never reaches a Provider.
func stripDirectives(content string) string {
	idx := strings.Index(content, directivePrefix)
	if idx < 0 {
		return content
	}
	end := strings.IndexByte(content[idx:], '\n')
	if end >= 0 {
		return content[:idx] + content[idx+end+1:]
	}
	return strings.TrimRight(content[:idx], " \t")
}
