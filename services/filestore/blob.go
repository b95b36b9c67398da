package filestore

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/proof"
)

var ErrNotConfigured = errors.New("blob storage is not configured")

// Blob implements proof.FileStore on an Azure Blob Storage container.
type Blob struct {
	client    *azblob.Client
	container string
}

var _ proof.FileStore = (*Blob)(nil)

type BlobOption func(*azblob.ClientOptions)

// WithClientOptions tunes the underlying pipeline (retries, transport).
func WithClientOptions(opts azcore.ClientOptions) BlobOption {
	return func(o *azblob.ClientOptions) { o.ClientOptions = opts }
}

// NewBlob connects with the connection string when there is one,
// else with the default Azure credential chain on the account URL.
func NewBlob(conf core.StorageConfig, opts ...BlobOption) (*Blob, error) {
	if conf.Container == "" || (conf.AzureConnectionString == "" && conf.AzureAccountURL == "") {
		return nil, ErrNotConfigured
	}
	clientOpts := new(azblob.ClientOptions)
	for _, opt := range opts {
		opt(clientOpts)
	}

	var (
		client *azblob.Client
		err    error
	)
	if conf.AzureConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(conf.AzureConnectionString, clientOpts)
	} else {
		var cred *azidentity.DefaultAzureCredential
		if cred, err = azidentity.NewDefaultAzureCredential(nil); err != nil {
			return nil, errors.Wrap(err, "loading azure credential")
		}
		client, err = azblob.NewClient(conf.AzureAccountURL, cred, clientOpts)
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating blob client")
	}
	return &Blob{client: client, container: conf.Container}, nil
}

func (s *Blob) Put(ctx context.Context, key string, data []byte, contentType string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	opts := new(azblob.UploadBufferOptions)
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, opts); err != nil {
		return errors.Wrapf(err, "uploading %s", key)
	}
	return nil
}

func (s *Blob) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, proof.ErrFileNotFound
		}
		return nil, errors.Wrapf(err, "downloading %s", key)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	return data, nil
}

func (s *Blob) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, key, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return errors.Wrapf(err, "deleting %s", key)
	}
	return nil
}
