// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-fetch/internal/config"
)

// S3Mirror espelha downloads completos num bucket S3. O espelhamento é
// best-effort: uma falha de upload é logada mas não falha a sessão, que já
// está completed com o arquivo local commitado.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Mirror resolve as credenciais da cadeia default do SDK (env, shared
// config, IMDS) e cria o client para a região configurada.
func NewS3Mirror(ctx context.Context, cfg config.S3MirrorConfig, logger *slog.Logger) (*S3Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "s3_mirror", "bucket", cfg.Bucket),
	}, nil
}

// Upload envia o arquivo para s3://bucket/prefix/<basename>.
func (m *S3Mirror) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening download for upload: %w", err)
	}
	defer f.Close()

	key := path.Join(m.prefix, filepath.Base(localPath))
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	m.logger.Info("download mirrored", "key", key)
	return nil
}
