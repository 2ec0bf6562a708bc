package models

import (
	"strings"
	"time"
)

// ShadowTotalFiles marks a version row recorded without a file
// inventory. Both the crawler and the download-count path write it;
// only explicit submissions carry a real count.
const ShadowTotalFiles = -1

// SearchHit is a single item from the code-search API response.
type SearchHit struct {
	ContentURL   string `json:"url"`
	ManifestPath string `json:"path"`
	RepoURL      string `json:"repo_url"`
	HTMLURL      string `json:"html_url"`
}

// PackageIdentity is the deduplication key for crawled metadata. Two
// records with the same name and version are the same logical package
// no matter how their readme or star counts differ.
type PackageIdentity struct {
	Name    string
	Version string
}

// RepoMetadata is the normalized result of fetching one repository
// manifest. It is transient and never persisted as-is.
type RepoMetadata struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Description   string `json:"description"`
	ReadmeContent string `json:"readme_content"`
	License       string `json:"license"`
	Size          int    `json:"size"`
	StarsCount    int    `json:"stars_count"`
	ForksCount    int    `json:"forks_count"`
	URL           string `json:"url"`
	Rev           string `json:"rev"`
	DefaultBranch string `json:"default_branch"`
}

// Identity returns the deduplication key for this record.
func (m *RepoMetadata) Identity() PackageIdentity {
	return PackageIdentity{Name: m.Name, Version: m.Version}
}

// Validate checks that the record can be ingested: a non-empty name and
// a semantic version string.
func (m *RepoMetadata) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !IsSemver(m.Version) {
		return ErrInvalidVersion
	}
	return nil
}

// Package is a registry package row.
type Package struct {
	ID                  int64
	Name                string
	Description         string
	RepositoryURL       string
	TotalDownloadsCount int64
	Slug                string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PackageVersion is one published version of a package. (PackageID,
// Version) is unique; Rev is advisory metadata only.
type PackageVersion struct {
	ID             int64
	PackageID      int64
	Version        string
	ReadmeContent  string
	License        string
	Rev            string
	TotalFiles     int
	TotalSize      int
	DownloadsCount int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsShadow reports whether this version was recorded without a file
// inventory, which covers both crawled rows and rows synthesized from
// download events. Only explicit submissions report false.
func (v *PackageVersion) IsShadow() bool {
	return v.TotalFiles == ShadowTotalFiles
}

// Collaborator roles. The owner row sorts first when collaborators are
// ordered by role.
const (
	RoleOwner        = 0
	RoleCollaborator = 1
)

// IsSemver reports whether s is a semantic version: MAJOR.MINOR.PATCH
// with optional -prerelease and +build parts.
func IsSemver(s string) bool {
	if s == "" {
		return false
	}
	if i := strings.IndexByte(s, '+'); i >= 0 {
		if i == len(s)-1 {
			return false
		}
		s = s[:i]
	}
	core := s
	if i := strings.IndexByte(s, '-'); i >= 0 {
		if i == len(s)-1 {
			return false
		}
		core = s[:i]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if !isNumeric(p) {
			return false
		}
		// no leading zeros
		if len(p) > 1 && p[0] == '0' {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Validation errors for crawled metadata.
var (
	ErrMissingName    = &ValidationError{Field: "name", Message: "package name is required"}
	ErrInvalidVersion = &ValidationError{Field: "version", Message: "version should adhere to semantic versioning"}
)

// ValidationError represents a metadata validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
