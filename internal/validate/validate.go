// Package validate holds the cheap synchronous URL checks that run before
// any quota is reserved.
package validate

import (
	"net/url"
	"path"
	"strings"

	"vidfetchgo/internal/models"
)

// URL checks scheme, host, domain blocklist and file extension. A nil return
// means the URL may proceed to extraction.
func URL(raw string, blockedDomains, allowedExts []string) *models.JobError {
	u, err := url.Parse(raw)
	if err != nil {
		return models.NewJobError(models.KindValidation, "invalid URL: "+err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return models.NewJobError(models.KindValidation, "invalid URL scheme: "+u.Scheme)
	}
	if u.Host == "" {
		return models.NewJobError(models.KindValidation, "invalid URL structure")
	}

	host := strings.ToLower(u.Hostname())
	for _, blocked := range blockedDomains {
		if blocked != "" && strings.Contains(host, strings.ToLower(blocked)) {
			return models.NewJobError(models.KindValidation, "blocked domain: "+host)
		}
	}

	// Only reject when the path carries an extension outside the allow-list;
	// extension-less URLs are resolved by the extractor.
	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(allowedExts) > 0 {
		for _, allowed := range allowedExts {
			if ext == strings.ToLower(allowed) {
				return nil
			}
		}
		return models.NewJobError(models.KindValidation, "disallowed file type: "+ext)
	}

	return nil
}
