// Package pathres turns catalog metadata into destination folder names and
// source bucket prefixes. Everything here is pure: the same input always
// produces the same output, which is what makes schema migration of stored
// tasks safe.
package pathres

import (
	"regexp"
	"strings"
)

var schemePrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"info:doi/",
	"doi:",
}

// DOI directory indicator, always "10." for registered DOIs.
const doiDirectory = "10."

var (
	illegalChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\s]`)
	repeatedSep  = regexp.MustCompile(`_+`)
)

// ResolveDownloadPath returns the relative folder a dataset is written to.
func ResolveDownloadPath(identifier, datasetID, version string, p Provider) string {
	if id := sanitizeIdentifier(identifier); id != "" {
		return id
	}

	fallback := sanitize(p.ShortCode + datasetID + "_v" + version)
	if fallback == "" || fallback == "v" {
		return "dataset"
	}
	return fallback
}

func sanitizeIdentifier(identifier string) string {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return ""
	}

	lower := strings.ToLower(id)
	for _, prefix := range schemePrefixes {
		if strings.HasPrefix(lower, prefix) {
			id = id[len(prefix):]
			break
		}
	}
	id = strings.TrimPrefix(id, doiDirectory)

	return sanitize(id)
}

func sanitize(s string) string {
	s = illegalChars.ReplaceAllString(s, "_")
	s = repeatedSep.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	// "." and ".." would resolve to the location root or its parent
	if strings.Trim(s, ".") == "" {
		return ""
	}
	return s
}

// ResolveSourcePrefix maps a download path onto the key prefix used inside the
// provider bucket. Providers without an accession pattern use the path as is.
func ResolveSourcePrefix(p Provider, downloadPath string) string {
	full, partial := p.accessionRegexps()
	if full == nil {
		return downloadPath
	}
	if full.MatchString(downloadPath) {
		return downloadPath
	}
	if m := partial.FindString(downloadPath); m != "" {
		return m
	}
	return downloadPath
}
