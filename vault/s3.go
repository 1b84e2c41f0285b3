package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/emberward/residentd/interfaces"
)

// S3Vault implements interfaces.BlobStore on Amazon S3 or a compatible
// object store. PutObject replaces the whole object, which satisfies the
// atomic-replace contract without extra machinery.
type S3Vault struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// S3Config holds the connection parameters for an S3-backed vault.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Vault creates an S3-backed vault.
func NewS3Vault(cfg S3Config, log *slog.Logger) (*S3Vault, error) {
	awsCfg := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Vault{
		client:     s3.New(sess),
		bucketName: cfg.Bucket,
		prefix:     strings.TrimSuffix(cfg.Prefix, "/"),
		log:        log,
	}, nil
}

// Read retrieves a resident's blob from S3. Returns ErrBlobNotFound if the
// object does not exist.
func (v *S3Vault) Read(ctx context.Context, id interfaces.ResidentID) (*interfaces.EncryptedBlob, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	result, err := v.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucketName),
		Key:    aws.String(v.objectKey(id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, interfaces.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get blob from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob body: %w", err)
	}

	var blob interfaces.EncryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}

	v.log.Debug("Read blob from S3 vault",
		slog.String("resident", id.String()),
		slog.Int("size", len(data)))

	return &blob, nil
}

// Write replaces the resident's blob object.
func (v *S3Vault) Write(ctx context.Context, blob *interfaces.EncryptedBlob) error {
	if err := blob.ResidentID.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode blob: %w", err)
	}

	_, err = v.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(v.bucketName),
		Key:         aws.String(v.objectKey(blob.ResidentID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put blob to S3: %w", err)
	}

	v.log.Debug("Wrote blob to S3 vault",
		slog.String("resident", blob.ResidentID.String()),
		slog.Int("size", len(data)))

	return nil
}

// Delete removes the resident's blob object. Missing objects are not an
// error.
func (v *S3Vault) Delete(ctx context.Context, id interfaces.ResidentID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	_, err := v.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucketName),
		Key:    aws.String(v.objectKey(id)),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete blob from S3: %w", err)
	}

	v.log.Info("Deleted blob from S3 vault", slog.String("resident", id.String()))
	return nil
}

// Exists reports whether a blob object is present for the resident.
func (v *S3Vault) Exists(ctx context.Context, id interfaces.ResidentID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}

	_, err := v.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucketName),
		Key:    aws.String(v.objectKey(id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head blob in S3: %w", err)
	}
	return true, nil
}

// Name returns an identifier for logging.
func (v *S3Vault) Name() string {
	return fmt.Sprintf("s3-%s", v.bucketName)
}

func (v *S3Vault) objectKey(id interfaces.ResidentID) string {
	return path.Join(v.prefix, id.String()+".blob")
}

func isNoSuchKey(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound", "404":
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404")
}
