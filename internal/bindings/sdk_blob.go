package bindings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oriys/quasar/internal/datum"
)

// blobReference is the content of a blob model binding.
type blobReference struct {
	Connection    string `json:"Connection"`
	ContainerName string `json:"ContainerName"`
	BlobName      string `json:"BlobName"`
}

// BlobClient is a deferred blob binding. The object store client is created
// on first use from the app settings named by Connection:
//
//	<Connection>__endpoint         optional S3-compatible endpoint
//	<Connection>__region           optional region
//	<Connection>__accessKeyId      optional static credentials
//	<Connection>__secretAccessKey
type BlobClient struct {
	Connection string
	Container  string
	Name       string

	once   sync.Once
	client *s3.Client
	err    error
}

// NewBlobClient parses model binding data into a client. No connection is
// made until the client is used.
func NewBlobClient(m *datum.ModelBindingData) (*BlobClient, error) {
	if m == nil {
		return nil, fmt.Errorf("blob model binding data is empty")
	}
	if m.ContentType != "" && m.ContentType != "application/json" {
		return nil, fmt.Errorf("unexpected blob model binding content type %q", m.ContentType)
	}
	var ref blobReference
	if err := json.Unmarshal(m.Content, &ref); err != nil {
		return nil, fmt.Errorf("invalid blob model binding content: %w", err)
	}
	if ref.ContainerName == "" || ref.BlobName == "" {
		return nil, fmt.Errorf("blob model binding requires ContainerName and BlobName")
	}
	return &BlobClient{
		Connection: ref.Connection,
		Container:  ref.ContainerName,
		Name:       ref.BlobName,
	}, nil
}

// S3 returns the underlying client, creating it on first call.
func (c *BlobClient) S3(ctx context.Context) (*s3.Client, error) {
	c.once.Do(func() {
		c.client, c.err = newS3Client(ctx, c.Connection)
	})
	return c.client, c.err
}

// Download reads the whole blob.
func (c *BlobClient) Download(ctx context.Context) ([]byte, error) {
	client, err := c.S3(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.Container),
		Key:    aws.String(c.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("get blob %s/%s: %w", c.Container, c.Name, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Upload replaces the blob's content.
func (c *BlobClient) Upload(ctx context.Context, data []byte, contentType string) error {
	client, err := c.S3(ctx)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(c.Container),
		Key:    aws.String(c.Name),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put blob %s/%s: %w", c.Container, c.Name, err)
	}
	return nil
}

// Delete removes the blob.
func (c *BlobClient) Delete(ctx context.Context) error {
	client, err := c.S3(ctx)
	if err != nil {
		return err
	}
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.Container),
		Key:    aws.String(c.Name),
	})
	if err != nil {
		return fmt.Errorf("delete blob %s/%s: %w", c.Container, c.Name, err)
	}
	return nil
}

func newS3Client(ctx context.Context, connection string) (*s3.Client, error) {
	setting := func(name string) string {
		if connection == "" {
			return ""
		}
		return os.Getenv(connection + "__" + name)
	}

	var opts []func(*config.LoadOptions) error
	if region := setting("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if key, secret := setting("accessKeyId"), setting("secretAccessKey"); key != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load object store config for %q: %w", connection, err)
	}

	endpoint := setting("endpoint")
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
