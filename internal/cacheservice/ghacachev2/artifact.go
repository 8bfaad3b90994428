package ghacachev2

import (
	"context"
	"fmt"

	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/resultsapi"
	"github.com/samber/lo"
)

func (client *Client) CreateArtifact(ctx context.Context, ref cacheservice.WorkflowRef, name string) (*cacheservice.CreateEntryResult, error) {
	var resp resultsapi.CreateArtifactResponse

	err := client.twirp.call(ctx, resultsapi.ArtifactService, resultsapi.MethodCreateArtifact,
		&resultsapi.CreateArtifactRequest{
			WorkflowRunBackendID:    ref.WorkflowRunBackendID,
			WorkflowJobRunBackendID: ref.WorkflowJobRunBackendID,
			Name:                    name,
			Version:                 resultsapi.ArtifactVersion,
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create artifact %q: %w", cacheservice.ErrTransport, name, err)
	}

	if !resp.OK {
		return &cacheservice.CreateEntryResult{}, nil
	}

	return &cacheservice.CreateEntryResult{
		OK:              true,
		SignedUploadURL: resp.SignedUploadURL,
		Target:          blobtransfer.AzureBlockBlob(resp.SignedUploadURL),
	}, nil
}

func (client *Client) FinalizeArtifact(
	ctx context.Context,
	ref cacheservice.WorkflowRef,
	name string,
	size int64,
	hash string,
) (*cacheservice.FinalizeArtifactResult, error) {
	var resp resultsapi.FinalizeArtifactResponse

	err := client.twirp.call(ctx, resultsapi.ArtifactService, resultsapi.MethodFinalizeArtifact,
		&resultsapi.FinalizeArtifactRequest{
			WorkflowRunBackendID:    ref.WorkflowRunBackendID,
			WorkflowJobRunBackendID: ref.WorkflowJobRunBackendID,
			Name:                    name,
			Size:                    resultsapi.Int64(size),
			Hash:                    hash,
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to finalize artifact %q: %w", cacheservice.ErrTransport, name, err)
	}

	return &cacheservice.FinalizeArtifactResult{
		OK:         resp.OK,
		ArtifactID: int64(resp.ArtifactID),
	}, nil
}

// GetArtifactURL resolves an artifact of the current job by name.
func (client *Client) GetArtifactURL(ctx context.Context, ref cacheservice.WorkflowRef, name string) (*cacheservice.DownloadResult, error) {
	var listResp resultsapi.ListArtifactsResponse

	err := client.twirp.call(ctx, resultsapi.ArtifactService, resultsapi.MethodListArtifacts,
		&resultsapi.ListArtifactsRequest{
			WorkflowRunBackendID:    ref.WorkflowRunBackendID,
			WorkflowJobRunBackendID: ref.WorkflowJobRunBackendID,
			NameFilter:              name,
		}, &listResp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list artifacts named %q: %w", cacheservice.ErrTransport, name, err)
	}

	found := lo.ContainsBy(listResp.Artifacts, func(artifact resultsapi.ListArtifactsResponseMonolithArtifact) bool {
		return artifact.Name == name
	})
	if !found {
		return &cacheservice.DownloadResult{}, nil
	}

	var signedResp resultsapi.GetSignedArtifactURLResponse

	err = client.twirp.call(ctx, resultsapi.ArtifactService, resultsapi.MethodGetSignedArtifactURL,
		&resultsapi.GetSignedArtifactURLRequest{
			WorkflowRunBackendID:    ref.WorkflowRunBackendID,
			WorkflowJobRunBackendID: ref.WorkflowJobRunBackendID,
			Name:                    name,
		}, &signedResp)
	if err != nil {
		if isTwirpNotFound(err) {
			return &cacheservice.DownloadResult{}, nil
		}

		return nil, fmt.Errorf("%w: failed to get a signed URL for artifact %q: %w",
			cacheservice.ErrTransport, name, err)
	}

	if signedResp.SignedURL == "" {
		return &cacheservice.DownloadResult{}, nil
	}

	return &cacheservice.DownloadResult{
		OK:                true,
		SignedDownloadURL: signedResp.SignedURL,
		MatchedKey:        name,
	}, nil
}
