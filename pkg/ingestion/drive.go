// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ingestion

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// DriveDownloadEndpoint is the direct download endpoint for Google Drive files.
// "confirm=t" skips the interstitial page Drive serves for files it can't virus-scan.
const DriveDownloadEndpoint = "https://drive.google.com/uc?export=download&confirm=t&id="

// DriveFileID extracts the file identifier of a Google Drive sharing URL, of the form
// "https://drive.google.com/file/d/<ID>/view?usp=sharing": the second-to-last path segment.
//
// It returns false if the URL is not a Drive sharing URL.
func DriveFileID(sourceURL string) (string, bool) {
	u, err := url.Parse(sourceURL)
	if err != nil || !strings.HasSuffix(u.Hostname(), "drive.google.com") {
		return "", false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] != "file" {
		return "", false
	}
	id := segments[len(segments)-2]
	if id == "" || id == "d" {
		return "", false
	}
	return id, true
}

// DownloadURL returns the URL to actually download from: Drive sharing URLs are mapped to
// DriveDownloadEndpoint, other http(s) URLs are returned unchanged.
func DownloadURL(sourceURL string) (string, error) {
	if id, ok := DriveFileID(sourceURL); ok {
		return DriveDownloadEndpoint + url.QueryEscape(id), nil
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid source URL %q", sourceURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Errorf("unsupported scheme in source URL %q, only http and https are supported", sourceURL)
	}
	return sourceURL, nil
}
