// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	gopath "path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/mosaik/core/logger"
	"github.com/relabs-tech/mosaik/core/schema"
)

// Source lists and reads resource configuration files. Paths are slash
// separated and relative to the configuration root.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

// DirSource reads resource configurations from a directory tree.
type DirSource struct {
	Root string
}

// List returns all regular files below the root.
func (s DirSource) List(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", s.Root, err)
	}
	return files, nil
}

// Read returns the content of one file.
func (s DirSource) Read(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(path)))
}

// S3SourceConfiguration holds the credentials and location of resource
// configurations in an S3 bucket.
type S3SourceConfiguration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}

// S3Source reads resource configurations from an S3 bucket.
type S3Source struct {
	config aws.Config
	bucket string
	prefix string
}

// NewS3Source returns a new S3Source.
func NewS3Source(sourceConfig S3SourceConfiguration) (*S3Source, error) {
	if sourceConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	config, err := awsconfig.LoadDefaultConfig(
		context.TODO(),
		awsconfig.WithRegion(sourceConfig.AWSRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(sourceConfig.AccessID, sourceConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 resource configuration enabled")

	prefix := sourceConfig.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Source{config: config, bucket: sourceConfig.AWSBucketName, prefix: prefix}, nil
}

// List returns all keys below the configured prefix.
func (s *S3Source) List(ctx context.Context) ([]string, error) {
	client := s3.NewFromConfig(s.config)

	var keys []string
	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            aws.String(s.prefix),
			ContinuationToken: continuationToken,
		}
		resp, err := client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("cannot list bucket %s: %w", s.bucket, err)
		}
		for _, item := range resp.Contents {
			keys = append(keys, strings.TrimPrefix(*item.Key, s.prefix))
		}
		continuationToken = resp.NextContinuationToken
		if continuationToken == nil {
			break
		}
	}
	return keys, nil
}

// Read returns the content of one object.
func (s *S3Source) Read(ctx context.Context, path string) ([]byte, error) {
	downloader := manager.NewDownloader(s3.NewFromConfig(s.config))

	buffer := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + path),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return buffer.Bytes(), nil
}

// LoadResources loads every resource configuration below the source
// root. The expected layout is <resource-name>/config.<ext>; nested
// directories produce slash-separated resource names. Files that are not
// named config.* are ignored.
func LoadResources(ctx context.Context, source Source, parsers map[string]Parser) (map[string]*Node, error) {
	if parsers == nil {
		parsers = DefaultParsers()
	}
	validator := schema.Default()

	files, err := source.List(ctx)
	if err != nil {
		return nil, err
	}

	nodes := map[string]*Node{}
	for _, path := range files {
		dir, file := gopath.Split(path)
		base, ext, found := strings.Cut(file, ".")
		if !found || base != "config" {
			continue
		}
		name := strings.TrimSuffix(dir, "/")
		if name == "" {
			return nil, fmt.Errorf("config file %s is not inside a resource directory", path)
		}
		parser, ok := parsers[ext]
		if !ok {
			return nil, fmt.Errorf("resource %s: no parser registered for extension %q", name, ext)
		}
		if _, ok := nodes[name]; ok {
			return nil, fmt.Errorf("resource %s: multiple config files", name)
		}

		data, err := source.Read(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
		doc, err := parser(data)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
		if err := validator.ValidateResourceConfig(doc.Plain()); err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
		node, err := FromDoc(name, doc)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
		nodes[name] = node
	}

	logger.FromContext(ctx).Debugf("loaded %d resource configurations", len(nodes))
	return nodes, nil
}
