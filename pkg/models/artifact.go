package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AliasLatest resolves to the highest version of an artifact name.
const AliasLatest = "latest"

var ErrInvalidRef = errors.New("invalid artifact reference")

// Artifact is an immutable, versioned file registered in the tracking store.
type Artifact struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	Project     string    `db:"project"     json:"project"`
	Name        string    `db:"name"        json:"name"`
	Type        string    `db:"type"        json:"type"`
	Description string    `db:"description" json:"description"`
	Version     int       `db:"version"     json:"version"`
	FileName    string    `db:"file_name"   json:"file_name"`
	Size        int64     `db:"size"        json:"size"`
	Digest      string    `db:"digest"      json:"digest"`
	BlobKey     string    `db:"blob_key"    json:"blob_key"`
	RunID       uuid.UUID `db:"run_id"      json:"run_id"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
}

// QualifiedName returns the name:vN form that pins this exact version.
func (a *Artifact) QualifiedName() string {
	return fmt.Sprintf("%s:v%d", a.Name, a.Version)
}

// ArtifactSpec is the metadata a step supplies when logging a new artifact.
type ArtifactSpec struct {
	Name        string
	Type        string
	Description string
}

// ArtifactRef identifies an artifact by name and either an alias or a version.
type ArtifactRef struct {
	Name    string
	Alias   string
	Version int
}

// ParseArtifactRef parses "name", "name:latest" or "name:vN".
func ParseArtifactRef(s string) (ArtifactRef, error) {
	name, tag, found := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return ArtifactRef{}, fmt.Errorf("%w: %q has no name", ErrInvalidRef, s)
	}
	if !found || tag == AliasLatest {
		return ArtifactRef{Name: name, Alias: AliasLatest}, nil
	}
	if !strings.HasPrefix(tag, "v") {
		return ArtifactRef{}, fmt.Errorf("%w: %q must be latest or vN", ErrInvalidRef, s)
	}
	v, err := strconv.Atoi(tag[1:])
	if err != nil || v < 0 {
		return ArtifactRef{}, fmt.Errorf("%w: %q has a malformed version", ErrInvalidRef, s)
	}
	return ArtifactRef{Name: name, Version: v}, nil
}

// IsLatest reports whether the reference floats to the newest version.
func (r ArtifactRef) IsLatest() bool {
	return r.Alias == AliasLatest
}

func (r ArtifactRef) String() string {
	if r.IsLatest() {
		return r.Name + ":" + AliasLatest
	}
	return fmt.Sprintf("%s:v%d", r.Name, r.Version)
}
