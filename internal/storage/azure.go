package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// defenderScanResultTag is the blob index tag Microsoft Defender for Storage
// writes its malware scan verdict into.
const defenderScanResultTag = "Malware Scanning scan result"

const (
	defenderVerdictClean     = "No threats found"
	defenderVerdictMalicious = "Malicious"
)

// AzureBackend stores objects in an Azure Blob Storage container. It is the
// only backend with integrated malware scanning: Defender for Storage scans
// uploaded blobs asynchronously and records the verdict as a blob index tag.
type AzureBackend struct {
	client    *azblob.Client
	container string
}

type AzureOptions struct {
	Account   string
	Key       string
	Container string
}

func NewAzureBackend(opts AzureOptions) (*AzureBackend, error) {
	if opts.Account == "" || opts.Key == "" || opts.Container == "" {
		return nil, fmt.Errorf("azure backend requires account, key and container")
	}
	credential, err := azblob.NewSharedKeyCredential(opts.Account, opts.Key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/", opts.Account)
	client, err := azblob.NewClientWithSharedKeyCredential(url, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &AzureBackend{client: client, container: opts.Container}, nil
}

func (a *AzureBackend) Kind() Kind {
	return KindAzure
}

func (a *AzureBackend) blobClient(location string) *blob.Client {
	return a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(location)
}

func (a *AzureBackend) PresignUpload(_ context.Context, location string, ttl time.Duration) (string, error) {
	url, err := a.blobClient(location).GetSASURL(
		sas.BlobPermissions{Create: true, Write: true},
		time.Now().UTC().Add(ttl),
		nil,
	)
	if err != nil {
		if bloberror.HasCode(err, bloberror.AuthorizationPermissionMismatch, bloberror.AuthorizationFailure) {
			return "", fmt.Errorf("generate SAS for %s: %w", location, ErrPermissionDenied)
		}
		return "", fmt.Errorf("generate SAS for %s: %w", location, err)
	}
	return url, nil
}

func (a *AzureBackend) Exists(ctx context.Context, location string) (bool, error) {
	_, err := a.blobClient(location).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return true, nil
}

func (a *AzureBackend) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, location, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("download %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return resp.Body, nil
}

func (a *AzureBackend) Upload(ctx context.Context, location string, r io.Reader) error {
	if _, err := a.client.UploadStream(ctx, a.container, location, r, nil); err != nil {
		return fmt.Errorf("upload %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return nil
}

func (a *AzureBackend) GetProperties(ctx context.Context, location string) (*Properties, error) {
	resp, err := a.blobClient(location).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("head %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	props := &Properties{}
	if resp.CreationTime != nil {
		props.CreatedAt = resp.CreationTime.UTC()
	}
	if resp.ContentLength != nil {
		props.SizeBytes = *resp.ContentLength
	}
	return props, nil
}

// GetScanTag maps the Defender scan tag to a ScanResult. A missing tag means
// the scan has not run yet; an unrecognized value is reported as unknown so
// the caller can retry later.
func (a *AzureBackend) GetScanTag(ctx context.Context, location string) (ScanResult, error) {
	resp, err := a.blobClient(location).GetTags(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ScanUnknown, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return ScanUnknown, fmt.Errorf("get tags for %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	for _, tag := range resp.BlobTagSet {
		if tag.Key == nil || *tag.Key != defenderScanResultTag {
			continue
		}
		if tag.Value == nil {
			return ScanUnknown, nil
		}
		switch *tag.Value {
		case defenderVerdictClean:
			return ScanClean, nil
		case defenderVerdictMalicious:
			return ScanInfected, nil
		default:
			return ScanUnknown, nil
		}
	}
	return ScanPending, nil
}
