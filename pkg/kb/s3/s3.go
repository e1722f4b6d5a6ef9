// Package s3 loads knowledge-base files stored in an S3 compatible bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/kb"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"
)

// API is the subset of the S3 client used by the loader.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewS3Client builds a path style client from the AWS_REGION, AWS_ENDPOINT,
// AWS_ACCESS_KEY and AWS_SECRET_KEY environment variables.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// Loader reads JSON lines candidate files from a bucket. Either Keys or
// Prefix selects the objects; with Prefix every object ending in .jsonl is
// read in key order. Object contents are cached, concurrent loads of the
// same key share one request.
type Loader struct {
	Client API
	Bucket string
	Keys   []string
	Prefix string

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

func NewLoader(client API, bucket string, keys ...string) *Loader {
	return &Loader{
		Client: client,
		Bucket: bucket,
		Keys:   keys,
		cache:  make(map[string][]byte),
	}
}

func (l *Loader) LoadCandidates(ctx context.Context) ([]common.Candidate, error) {
	keys := l.Keys
	if len(keys) == 0 && l.Prefix != "" {
		listed, err := l.listKeys(ctx)
		if err != nil {
			return nil, err
		}
		keys = listed
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no knowledge base objects in bucket %s", l.Bucket)
	}

	var out []common.Candidate
	for _, key := range keys {
		data, err := l.getObject(ctx, key)
		if err != nil {
			return nil, err
		}
		candidates, err := kb.DecodeJSONL(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode s3://%s/%s: %w", l.Bucket, key, err)
		}
		logger.Debug("[S3] Loaded knowledge base object", "key", key, "candidates", len(candidates))
		out = append(out, candidates...)
	}
	return out, nil
}

func (l *Loader) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(l.Bucket),
		Prefix: aws.String(l.Prefix),
	}
	for {
		res, err := l.Client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", l.Prefix, err)
		}
		for _, obj := range res.Contents {
			if obj.Key != nil && strings.HasSuffix(*obj.Key, ".jsonl") {
				keys = append(keys, *obj.Key)
			}
		}
		if res.IsTruncated != nil && *res.IsTruncated {
			input.ContinuationToken = res.NextContinuationToken
		} else {
			break
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (l *Loader) getObject(ctx context.Context, key string) ([]byte, error) {
	l.cacheMu.RLock()
	if cached, ok := l.cache[key]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(key, func() (any, error) {
		res, err := l.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get s3://%s/%s: %w", l.Bucket, key, err)
		}
		defer res.Body.Close()

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read s3://%s/%s: %w", l.Bucket, key, err)
		}

		l.cacheMu.Lock()
		if l.cache == nil {
			l.cache = make(map[string][]byte)
		}
		l.cache[key] = data
		l.cacheMu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Invalidate drops cached objects so the next load fetches them again.
func (l *Loader) Invalidate() {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	clear(l.cache)
}
