package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sandeepkandula/geosync/batch"
)

// S3Spool stores deferred batches as objects in an S3 bucket. Deferred
// batches are rarely read back, so an infrequent-access storage class fits:
//
//	GLACIER_IR   – Glacier Instant Retrieval, millisecond access
//	STANDARD_IA  – Standard Infrequent Access
//	STANDARD     – Standard
type S3Spool struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass types.StorageClass
}

// NewS3Spool creates a new S3Spool.
func NewS3Spool(client *s3.Client, bucket, prefix string, storageClass types.StorageClass) *S3Spool {
	return &S3Spool{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       bucket,
		prefix:       prefix,
		storageClass: storageClass,
	}
}

func (d *S3Spool) fullKey(rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if d.prefix == "" {
		return rel
	}
	return strings.TrimSuffix(d.prefix, "/") + "/" + rel
}

// Store uploads b under its spool key unless an object already exists there.
// The HeadObject check and the upload are separate requests, so two writers
// racing on the same key can both pass the check.
func (d *S3Spool) Store(ctx context.Context, b *batch.Batch, reason string) error {
	key := d.fullKey(SpoolKey(b))

	exists, err := d.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}
	if exists {
		return fmt.Errorf("%s: %w", key, ErrSpoolExists)
	}

	data, err := newSpoolEntry(b, reason)
	if err != nil {
		return err
	}

	_, err = d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(d.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/json"),
		StorageClass: d.storageClass,
		Metadata: map[string]string{
			"node-id":        b.NodeID,
			"batch-id":       b.BatchID,
			"integrity-hash": b.IntegrityHash,
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (d *S3Spool) exists(ctx context.Context, key string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
