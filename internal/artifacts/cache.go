// Package artifacts copies provider-hosted artifacts into our own storage the
// first time they are downloaded and serves later downloads from there.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lantianlaoli/flowtra/internal/storage"
)

const defaultMaxBytes = 512 << 20

// Artifact is one cached file.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

type Options struct {
	Store      storage.Store
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// MaxBytes bounds a single fetched artifact.
	MaxBytes int64
}

type Cache struct {
	store    storage.Store
	http     *http.Client
	logger   zerolog.Logger
	maxBytes int64
}

func NewCache(opts Options) *Cache {
	c := &Cache{
		store:    opts.Store,
		http:     opts.HTTPClient,
		logger:   opts.Logger.With().Str("component", "artifacts").Logger(),
		maxBytes: opts.MaxBytes,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 2 * time.Minute}
	}
	if c.maxBytes <= 0 {
		c.maxBytes = defaultMaxBytes
	}
	return c
}

// Key is the storage key of an instance artifact.
func Key(instanceID, name string) string {
	return path.Join("workflows", instanceID, name)
}

// Name derives a file name for sourceURL, keeping its extension.
func Name(base, sourceURL string) string {
	ext := ""
	if u, err := url.Parse(sourceURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" || len(ext) > 5 {
		ext = ".mp4"
	}
	return base + ext
}

// Fetch returns the artifact, reading the stored copy when present and
// copying sourceURL into storage otherwise.
func (c *Cache) Fetch(ctx context.Context, instanceID, name, sourceURL string) (Artifact, error) {
	key := Key(instanceID, name)
	art := Artifact{Name: name, ContentType: contentType(name)}

	rc, err := c.store.Open(ctx, key)
	if err == nil {
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return Artifact{}, fmt.Errorf("artifacts: read %s: %w", key, err)
		}
		art.Data = data
		return art, nil
	}
	if !errors.Is(err, storage.ErrNotExist) {
		return Artifact{}, fmt.Errorf("artifacts: open %s: %w", key, err)
	}

	data, ct, err := c.download(ctx, sourceURL)
	if err != nil {
		return Artifact{}, err
	}
	if ct != "" && art.ContentType == "application/octet-stream" {
		art.ContentType = ct
	}
	if _, err := c.store.Put(ctx, key, data, art.ContentType); err != nil {
		// The bytes are still good for this response.
		c.logger.Warn().Err(err).Str("key", key).Msg("artifacts: cache write failed")
	} else {
		c.logger.Info().Str("key", key).Int("bytes", len(data)).Msg("artifacts: cached")
	}
	art.Data = data
	return art, nil
}

func (c *Cache) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, "", errors.New("artifacts: source url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("artifacts: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("artifacts: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("artifacts: fetch %s: status %d", sourceURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("artifacts: read body: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, "", fmt.Errorf("artifacts: %s exceeds %d bytes", sourceURL, c.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
