package fetch

import (
	"errors"
	"net/url"
	"strings"
)

var errUnsupportedURL = errors.New("only absolute http(s) URLs are supported")

// NormalizeURL validates a source URL and rewrites Google Drive preview
// links (export=view) into direct download links.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errUnsupportedURL
	}

	if strings.EqualFold(u.Hostname(), "drive.google.com") {
		q := u.Query()
		if q.Get("export") == "view" {
			q.Set("export", "download")
			u.RawQuery = q.Encode()
		}
	}

	return u.String(), nil
}
