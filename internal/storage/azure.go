package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the Azure engine uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// ListBlobs returns the names of blobs with the given prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
	// CreateContainer creates the container if it does not exist.
	CreateContainer(ctx context.Context, containerName string) error
	// ContainerExists fails if the container is missing or unreachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureOptions configures the upstream container of an Azure engine.
type AzureOptions struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// ConnectionString, when set, takes precedence over AccountURL.
	ConnectionString   string
	UseManagedIdentity bool
	// Prefix is the key prefix for all blobs in the upstream container.
	Prefix string
}

// AzureEngine stores bucket collections as blobs in one upstream Azure Blob
// Storage container.
type AzureEngine struct {
	*objectEngine
	// Container is the upstream Azure Blob container name.
	Container string
}

// NewAzureEngine creates an AzureEngine and makes sure the container exists.
func NewAzureEngine(ctx context.Context, opts AzureOptions, database string, chunkSize int) (*AzureEngine, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	if err := client.CreateContainer(ctx, opts.Container); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", opts.Container, err)
	}

	e := NewAzureEngineWithClient(client, opts.Container, opts.Prefix, database, chunkSize)
	slog.Info("Azure storage engine initialized", "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return e, nil
}

// NewAzureEngineWithClient creates an AzureEngine with a pre-configured
// Azure client. This is primarily used for testing with mock clients.
func NewAzureEngineWithClient(client AzureBlobAPI, container, prefix, database string, chunkSize int) *AzureEngine {
	store := &azureStore{client: client, container: container}
	return &AzureEngine{
		objectEngine: newObjectEngine("azblob", prefix, database, chunkSize, store),
		Container:    container,
	}
}

// azureStore adapts AzureBlobAPI to objectStore.
type azureStore struct {
	client    AzureBlobAPI
	container string
}

func (s *azureStore) put(ctx context.Context, key string, data []byte) error {
	if err := s.client.UploadBlob(ctx, s.container, key, data); err != nil {
		return fmt.Errorf("uploading to Azure: %w", err)
	}
	return nil
}

func (s *azureStore) get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.DownloadBlob(ctx, s.container, key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, errObjectNotFound
		}
		return nil, fmt.Errorf("downloading from Azure: %w", err)
	}
	return data, nil
}

func (s *azureStore) exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.BlobExists(ctx, s.container, key)
	if err != nil {
		return false, fmt.Errorf("checking blob in Azure: %w", err)
	}
	return ok, nil
}

func (s *azureStore) deleteKeys(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := s.client.DeleteBlob(ctx, s.container, key); err != nil && !isAzureNotFound(err) {
			return fmt.Errorf("deleting %s from Azure: %w", key, err)
		}
	}
	return nil
}

func (s *azureStore) list(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.client.ListBlobs(ctx, s.container, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing Azure blobs: %w", err)
	}
	return names, nil
}

func (s *azureStore) ping(ctx context.Context) error {
	return s.client.ContainerExists(ctx, s.container)
}

func (s *azureStore) close() error { return nil }

// isAzureNotFound checks if an Azure error indicates a missing blob or
// container. Mock clients return plain errors, so the message is checked too.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	if errors.Is(err, errObjectNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

// Ensure AzureEngine implements Engine at compile time.
var _ Engine = (*AzureEngine)(nil)
