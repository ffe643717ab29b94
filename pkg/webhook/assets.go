package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Asset is a durably stored result artifact.
type Asset struct {
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// AssetSink fetches result artifacts from the provider's output URLs and
// persists them. External collaborator of the ingress; it runs outside
// the reservation state transition.
type AssetSink interface {
	Store(ctx context.Context, job map[string]any, output []string) ([]Asset, error)
}

// BlobStore persists raw artifact bytes and returns a durable URL.
type BlobStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// FetchSink is an AssetSink that downloads every output URL concurrently
// and pushes the bytes into a BlobStore. Provider output URLs are
// short-lived; fetching promptly is the point of doing it in the webhook.
type FetchSink struct {
	client *http.Client
	blobs  BlobStore

	// PathPrefix leads every stored object name (default: "generated").
	PathPrefix string

	// MaxFetchBytes caps a single artifact download (default: 64 MiB).
	MaxFetchBytes int64

	now func() time.Time
}

// NewFetchSink creates a sink storing artifacts in blobs.
func NewFetchSink(client *http.Client, blobs BlobStore) (*FetchSink, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &FetchSink{
		client:        client,
		blobs:         blobs,
		PathPrefix:    "generated",
		MaxFetchBytes: 64 << 20,
		now:           time.Now,
	}, nil
}

// Store implements AssetSink.
func (s *FetchSink) Store(ctx context.Context, job map[string]any, output []string) ([]Asset, error) {
	userID := stringFromAny(job["userId"])
	outputType := stringFromAny(job["type"])

	g, ctx := errgroup.WithContext(ctx)
	assets := make([]Asset, len(output))
	for i, url := range output {
		g.Go(func() error {
			data, contentType, err := s.fetch(ctx, url)
			if err != nil {
				return err
			}
			kind, ext := contentInfo(contentType, outputType)
			name := fmt.Sprintf("%s/%s/%d-%d.%s", s.PathPrefix, userID, s.now().UnixMilli(), i, ext)
			stored, err := s.blobs.Put(ctx, name, kind, data)
			if err != nil {
				return fmt.Errorf("store %s: %w", name, err)
			}
			assets[i] = Asset{URL: stored, Kind: outputKind(kind)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assets, nil
}

func (s *FetchSink) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch output: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.MaxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read output: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// contentInfo maps the response content type onto a stored type and file
// extension, falling back by output mode for providers that omit it.
func contentInfo(contentType, outputType string) (string, string) {
	switch {
	case strings.Contains(contentType, "image/jpeg"), strings.Contains(contentType, "image/jpg"):
		return "image/jpeg", "jpg"
	case strings.Contains(contentType, "image/webp"):
		return "image/webp", "webp"
	case strings.Contains(contentType, "image/png"):
		return "image/png", "png"
	case strings.Contains(contentType, "video/mp4"):
		return "video/mp4", "mp4"
	case outputType == "video":
		return "video/mp4", "mp4"
	default:
		return "image/png", "png"
	}
}

func outputKind(contentType string) string {
	if strings.HasPrefix(contentType, "video/") {
		return "video"
	}
	return "image"
}
