package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/apcluster/blobstore"
	miniostore "github.com/hupe1980/apcluster/blobstore/minio"
	s3store "github.com/hupe1980/apcluster/blobstore/s3"
	"github.com/hupe1980/apcluster/internal/fs"
)

// openBlobStore returns the archive target of cfg, or nil if archiving is
// disabled.
func openBlobStore(ctx context.Context, cfg archiveConfig) (blobstore.BlobStore, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "none":
		return nil, nil
	case "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: local archive needs dir")
		}
		return blobstore.NewLocalStore(cfg.Dir, fs.Default), nil
	case "s3":
		return openS3(ctx, cfg)
	case "minio":
		if cfg.Endpoint == "" || cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: minio archive needs endpoint and bucket")
		}
		return miniostore.Dial(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Secure, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("archive: unknown kind %q", cfg.Kind)
	}
}

func openS3(ctx context.Context, cfg archiveConfig) (blobstore.BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3 archive needs bucket")
	}
	opts := []s3store.Option{s3store.WithPrefix(cfg.Prefix)}
	if cfg.Region != "" {
		opts = append(opts, s3store.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, s3store.WithEndpoint(cfg.Endpoint))
	}
	store, err := s3store.New(ctx, cfg.Bucket, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.DynamoDBTable == "" {
		return store, nil
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	baseURI := "s3://" + cfg.Bucket + "/" + cfg.Prefix
	return s3store.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, baseURI), nil
}
