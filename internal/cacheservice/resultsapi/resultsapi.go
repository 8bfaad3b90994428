// Package resultsapi holds the Twirp JSON messages of the GitHub Actions
// results service (package github.actions.results.api.v1).
//
// Field names follow the protobuf names and 64-bit integers are encoded
// as JSON strings, which is what protojson produces and accepts.
package resultsapi

const (
	PackageName = "github.actions.results.api.v1"

	CacheService    = "CacheService"
	ArtifactService = "ArtifactService"

	MethodCreateCacheEntry         = "CreateCacheEntry"
	MethodFinalizeCacheEntryUpload = "FinalizeCacheEntryUpload"
	MethodGetCacheEntryDownloadURL = "GetCacheEntryDownloadURL"

	MethodCreateArtifact       = "CreateArtifact"
	MethodFinalizeArtifact     = "FinalizeArtifact"
	MethodListArtifacts        = "ListArtifacts"
	MethodGetSignedArtifactURL = "GetSignedArtifactURL"

	// ArtifactVersion is the artifact backend generation
	// that uploads straight to a signed blob URL.
	ArtifactVersion = 4
)

type CacheScope struct {
	Scope      string `json:"scope"`
	Permission Int64  `json:"permission"`
}

type CacheMetadata struct {
	RepositoryID Int64        `json:"repository_id"`
	Scope        []CacheScope `json:"scope,omitempty"`
}

type CreateCacheEntryRequest struct {
	Metadata *CacheMetadata `json:"metadata,omitempty"`
	Key      string         `json:"key"`
	Version  string         `json:"version"`
}

type CreateCacheEntryResponse struct {
	OK              bool   `json:"ok"`
	SignedUploadURL string `json:"signed_upload_url"`
	Message         string `json:"message,omitempty"`
}

type FinalizeCacheEntryUploadRequest struct {
	Metadata  *CacheMetadata `json:"metadata,omitempty"`
	Key       string         `json:"key"`
	SizeBytes Int64          `json:"size_bytes"`
	Version   string         `json:"version"`
}

type FinalizeCacheEntryUploadResponse struct {
	OK      bool   `json:"ok"`
	EntryID Int64  `json:"entry_id"`
	Message string `json:"message,omitempty"`
}

type GetCacheEntryDownloadURLRequest struct {
	Metadata    *CacheMetadata `json:"metadata,omitempty"`
	Key         string         `json:"key"`
	RestoreKeys []string       `json:"restore_keys"`
	Version     string         `json:"version"`
}

type GetCacheEntryDownloadURLResponse struct {
	OK                bool   `json:"ok"`
	SignedDownloadURL string `json:"signed_download_url"`
	MatchedKey        string `json:"matched_key"`
}

type CreateArtifactRequest struct {
	WorkflowRunBackendID    string `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendID string `json:"workflow_job_run_backend_id"`
	Name                    string `json:"name"`
	ExpiresAt               string `json:"expires_at,omitempty"`
	Version                 int32  `json:"version"`
}

type CreateArtifactResponse struct {
	OK              bool   `json:"ok"`
	SignedUploadURL string `json:"signed_upload_url"`
}

type FinalizeArtifactRequest struct {
	WorkflowRunBackendID    string `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendID string `json:"workflow_job_run_backend_id"`
	Name                    string `json:"name"`
	Size                    Int64  `json:"size"`
	Hash                    string `json:"hash,omitempty"`
}

type FinalizeArtifactResponse struct {
	OK         bool  `json:"ok"`
	ArtifactID Int64 `json:"artifact_id"`
}

type ListArtifactsRequest struct {
	WorkflowRunBackendID    string `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendID string `json:"workflow_job_run_backend_id"`
	NameFilter              string `json:"name_filter,omitempty"`
}

type ListArtifactsResponse struct {
	Artifacts []ListArtifactsResponseMonolithArtifact `json:"artifacts"`
}

type ListArtifactsResponseMonolithArtifact struct {
	WorkflowRunBackendID    string `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendID string `json:"workflow_job_run_backend_id"`
	DatabaseID              Int64  `json:"database_id"`
	Name                    string `json:"name"`
	Size                    Int64  `json:"size"`
	CreatedAt               string `json:"created_at,omitempty"`
	Digest                  string `json:"digest,omitempty"`
}

type GetSignedArtifactURLRequest struct {
	WorkflowRunBackendID    string `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendID string `json:"workflow_job_run_backend_id"`
	Name                    string `json:"name"`
}

type GetSignedArtifactURLResponse struct {
	SignedURL string `json:"signed_url"`
}
