package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/downstack/downstack/internal/utils"
)

// S3Transport fetches s3://bucket/key URLs using the AWS shared config
// chain. The client is built once, on first use.
type S3Transport struct {
	Profile string

	once    sync.Once
	client  *s3.Client
	initErr error
}

func NewS3Transport(profile string) *S3Transport {
	return &S3Transport{Profile: profile}
}

func (t *S3Transport) getClient(ctx context.Context) (*s3.Client, error) {
	t.once.Do(func() {
		profile := t.Profile
		if profile == "" {
			profile = "default"
		}
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithSharedConfigProfile(profile),
			config.WithRetryMode("adaptive"),
		)
		if err != nil {
			t.initErr = fmt.Errorf("error loading AWS config: %w", err)
			return
		}
		t.client = s3.NewFromConfig(cfg)
	})
	return t.client, t.initErr
}

func (t *S3Transport) Fetch(ctx context.Context, req *Request, sink io.Writer) (int, error) {
	bucket := req.URL.Host
	key := strings.TrimPrefix(req.URL.Path, "/")
	if bucket == "" || key == "" {
		return StatusUnknown, fmt.Errorf("invalid s3 URL %q: want s3://bucket/key", req.URL)
	}
	client, err := t.getClient(ctx)
	if err != nil {
		return StatusUnknown, err
	}
	log.Debug().Str("op", "transport/s3").Msgf("Fetching s3://%s/%s", bucket, key)
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return StatusUnknown, fmt.Errorf("error getting object: %w", err)
	}
	defer result.Body.Close()

	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		n, readErr := result.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := sink.Write(buffer[:n]); writeErr != nil {
				return http.StatusOK, fmt.Errorf("error writing object data: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return http.StatusOK, fmt.Errorf("error reading object: %w", readErr)
		}
	}
	return http.StatusOK, nil
}

func init() {
	Register("s3", NewS3Transport("default"))
}
