package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/pattern"
)

// sourceStoreConfig is the connection_config payload of an external
// object-store source.
type sourceStoreConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	EndpointURL  string `json:"endpoint_url"`
	Region       string `json:"region"`
}

// newMinioSourceStore builds the S3-compatible client for an external
// source bucket.
func newMinioSourceStore(cfg *sourceStoreConfig) (lake.ObjectStore, error) {
	endpoint := cfg.EndpointURL
	useSSL := strings.HasPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint_url is required", ErrBadConnectionConfig)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ClientID, cfg.ClientSecret, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating source object-store client: %w", err)
	}

	return lake.WrapMinioClient(client), nil
}

// extractObjectStore copies every new file under the source prefix that
// matches the declared pattern into the inbound zone. Pattern matching
// runs before the dedupe check.
func (e *Extractor) extractObjectStore(ctx context.Context, detail *catalog.AcquisitionDetail) error {
	conn, err := e.store.AcquisitionConnection(ctx, detail.OutboundSourcePlatform, detail.OutboundSourceSystem)
	if err != nil {
		return err
	}

	var cfg sourceStoreConfig
	if err := json.Unmarshal([]byte(conn.ConnectionConfig), &cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConnectionConfig, err)
	}

	source, err := e.sourceStore(&cfg)
	if err != nil {
		return err
	}

	// The outbound location names a foreign bucket, so it resolves without
	// the environment prefix.
	sourceLoc := lake.Resolve(detail.OutboundSourceLocation, "")

	prefix := sourceLoc.Key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects, err := source.List(ctx, sourceLoc.Bucket, prefix)
	if err != nil {
		return err
	}

	processed, err := e.processedLocations(ctx, detail)
	if err != nil {
		return err
	}

	static := detail.OutboundSourceFilePatternStatic == catalog.FlagYes
	newFiles := 0

	for _, object := range objects {
		name := object.Name()

		match, err := pattern.Validate(detail.OutboundSourceFilePattern, name, static)
		if err != nil {
			return err
		}

		if !match {
			continue
		}

		target := lake.Child(detail.InboundLocation, e.env, name)
		if processed[target.URI] {
			continue
		}

		newFiles++

		startedAt := e.now()
		batchID := catalog.NewBatchID(startedAt)

		if err := e.copyObject(ctx, source, sourceLoc.Bucket, object.Key, target); err != nil {
			e.logAttempt(ctx, detail, batchID, startedAt, catalog.PlatformObjectStore, "", err)

			return fmt.Errorf("copying %s from object store: %w", name, err)
		}

		e.logAttempt(ctx, detail, batchID, startedAt, catalog.PlatformObjectStore, target.URI, nil)
		e.logger.Info("acquired object-store file",
			slog.String("file", name),
			slog.String("target", target.URI),
		)
	}

	if newFiles == 0 {
		return fmt.Errorf("%w: object store %s", ErrNoUnprocessedFiles, detail.OutboundSourceLocation)
	}

	return nil
}

func (e *Extractor) copyObject(ctx context.Context, source lake.ObjectStore, bucket, key string, target lake.Location) error {
	body, err := source.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	if err := e.objects.Put(ctx, target.Bucket, target.Key, body, -1); err != nil {
		return fmt.Errorf("writing inbound object: %w", err)
	}

	return nil
}
