package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shipyard/api/model"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// Client archives run reports in an S3-compatible bucket.
type Client struct {
	mc     *minio.Client
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 client: bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc, config: cfg}, nil
}

// EnsureBucket creates the report bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	name := c.config.Bucket
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	region := c.config.Region
	if region == "" {
		region = "us-east-1"
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	log.Printf("s3: created bucket %s", name)
	return nil
}

// ReportKey is the object key for a run report.
func ReportKey(service, runID string) string {
	return fmt.Sprintf("runs/%s/%s.json", service, runID)
}

// PutReport uploads the final report and returns its object key.
func (c *Client) PutReport(ctx context.Context, rep *model.Report) (string, error) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := ReportKey(rep.Service, rep.RunID)
	_, err = c.mc.PutObject(ctx, c.config.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"run-id":   rep.RunID,
			"category": string(rep.Category),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// GetReport fetches an archived report.
func (c *Client) GetReport(ctx context.Context, service, runID string) (*model.Report, error) {
	obj, err := c.mc.GetObject(ctx, c.config.Bucket, ReportKey(service, runID), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	var rep model.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.BucketExists(ctx, c.config.Bucket)
	return err
}

func (c *Client) Endpoint() string {
	return c.config.Endpoint
}
