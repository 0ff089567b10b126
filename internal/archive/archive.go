// Package archive stores invocation outcomes in S3 for later audit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"

	"github.com/nosey/viewership-pipeline/internal/config"
	"github.com/nosey/viewership-pipeline/internal/model"
)

// Archiver persists a finished outcome.
type Archiver interface {
	Archive(ctx context.Context, outcome *model.Outcome) (string, error)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes outcomes as JSON objects.
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3 creates an archiver for cfg using the default AWS credential chain.
func NewS3(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("archive: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, eris.Wrap(err, "archive: load aws config")
	}
	return newS3Archiver(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client putObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for an outcome:
// <prefix>/<platform>/<filename>/<run_id>.json.
func (a *S3Archiver) Key(o *model.Outcome) string {
	runID := o.RunID
	if runID == "" {
		runID = "unrecorded"
	}
	return path.Join(a.prefix, o.Platform, o.Filename, runID+".json")
}

// Archive uploads the outcome and returns its key.
func (a *S3Archiver) Archive(ctx context.Context, outcome *model.Outcome) (string, error) {
	body, err := json.Marshal(outcome)
	if err != nil {
		return "", eris.Wrap(err, "archive: marshal outcome")
	}
	key := a.Key(outcome)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", eris.Wrapf(err, "archive: put %s", key)
	}
	return key, nil
}
