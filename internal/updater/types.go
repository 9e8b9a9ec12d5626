// Package updater checks a version manifest for newer core releases. It is
// bound to the task engine as an ordinary async job; downloading and
// replacing binaries belongs to the Applier the host supplies.
package updater

import (
	"context"
	"errors"
)

var ErrNoRelease = errors.New("no release for channel")

// Manifest mirrors the published version.json.
type Manifest struct {
	ManifestVersion uint64                       `json:"manifest_version"`
	Latest          map[string]string            `json:"latest"`
	ArchTemplate    map[string]map[string]string `json:"arch_template"`
	UpdatedAt       string                       `json:"updated_at"`
}

// Release is the newest version available on one channel.
type Release struct {
	Channel   string `json:"channel"`
	Version   string `json:"version"`
	Artifact  string `json:"artifact,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type Checker interface {
	Check(ctx context.Context) (Release, error)
}

type Applier interface {
	Apply(ctx context.Context, r Release) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) (Release, error)

func (f CheckerFunc) Check(ctx context.Context) (Release, error) { return f(ctx) }

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, r Release) error

func (f ApplierFunc) Apply(ctx context.Context, r Release) error { return f(ctx, r) }
