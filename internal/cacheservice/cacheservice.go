// Package cacheservice describes the remote cache backend the gateway talks to.
//
// Every call returns either a result or an error wrapping ErrTransport.
// A result with OK set to false is a business-level rejection
// (entry exists, lookup miss, finalize refused) and is never an error.
package cacheservice

import (
	"context"
	"errors"

	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
)

var ErrTransport = errors.New("cache service call failed")

type CreateEntryResult struct {
	OK              bool
	SignedUploadURL string

	// Target tells the blob transfer how to write to SignedUploadURL.
	Target blobtransfer.Target
}

type FinalizeResult struct {
	OK      bool
	EntryID int64
}

type DownloadResult struct {
	OK                bool
	SignedDownloadURL string
	MatchedKey        string
}

type FinalizeArtifactResult struct {
	OK         bool
	ArtifactID int64
}

// WorkflowRef identifies the workflow run and job an artifact belongs to.
type WorkflowRef struct {
	WorkflowRunBackendID    string
	WorkflowJobRunBackendID string
}

type Client interface {
	CreateEntry(ctx context.Context, key string, version string) (*CreateEntryResult, error)
	FinalizeUpload(ctx context.Context, key string, version string, sizeBytes int64) (*FinalizeResult, error)
	GetDownloadURL(ctx context.Context, key string, version string, restoreKeys []string) (*DownloadResult, error)
}

// ArtifactClient is implemented by protocol generations that
// support the artifact storage flow in addition to the cache.
type ArtifactClient interface {
	CreateArtifact(ctx context.Context, ref WorkflowRef, name string) (*CreateEntryResult, error)
	FinalizeArtifact(ctx context.Context, ref WorkflowRef, name string, size int64, hash string) (*FinalizeArtifactResult, error)
	GetArtifactURL(ctx context.Context, ref WorkflowRef, name string) (*DownloadResult, error)
}
