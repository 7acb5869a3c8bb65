package veo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reelgen/reelgen-backend/internal/pkg/envutil"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

// GenerationParams is the input to a remote render.
type GenerationParams struct {
	Prompt         string
	Style          string
	NegativePrompt string
	AspectRatio    string
	Resolution     string
	Model          string
	ReferenceImage []byte
	ReferenceMime  string
}

// ArtifactRefKind discriminates how a finished artifact is retrieved.
type ArtifactRefKind string

const (
	// ArtifactDirectURL means the artifact is fetched with a plain GET.
	ArtifactDirectURL ArtifactRefKind = "url"
	// ArtifactFileHandle means the artifact must be retrieved through the
	// provider's file API; the provider may still be writing the file after
	// it reports the operation done, so retrieval polls for existence.
	ArtifactFileHandle ArtifactRefKind = "file"
)

// ArtifactRef is a tagged reference to a finished artifact.
type ArtifactRef struct {
	Kind   ArtifactRefKind `json:"kind"`
	URL    string          `json:"url,omitempty"`
	Handle string          `json:"handle,omitempty"`
}

// OperationStatus is one poll observation of an in-flight render. On
// completion some providers also hand back a preview frame URL.
type OperationStatus struct {
	Done      bool
	Error     string
	Artifact  *ArtifactRef
	Thumbnail string
}

// Client talks to the video generation provider's long-running
// operations API.
type Client interface {
	StartGeneration(ctx context.Context, params GenerationParams) (string, error)
	PollOperation(ctx context.Context, handle string) (*OperationStatus, error)
	DownloadArtifact(ctx context.Context, ref ArtifactRef) ([]byte, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// fileWaitAttempts bounds the poll-for-existence loop when the provider
	// writes the artifact asynchronously after reporting completion.
	fileWaitAttempts int
	fileWaitDelay    time.Duration
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(envutil.String("VIDEO_GEN_BASE_URL", ""), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing env var VIDEO_GEN_BASE_URL")
	}
	apiKey := envutil.String("VIDEO_GEN_API_KEY", "")

	return &client{
		log:     log.With("service", "VeoClient"),
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		fileWaitAttempts: envutil.Int("VIDEO_GEN_FILE_WAIT_ATTEMPTS", 10),
		fileWaitDelay:    envutil.Duration("VIDEO_GEN_FILE_WAIT_DELAY", 3*time.Second),
	}, nil
}

type startRequest struct {
	Prompt         string `json:"prompt"`
	Style          string `json:"style,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	AspectRatio    string `json:"aspect_ratio"`
	Resolution     string `json:"resolution"`
	Model          string `json:"model"`
	ReferenceImage string `json:"reference_image,omitempty"`
	ReferenceMime  string `json:"reference_mime,omitempty"`
}

type startResponse struct {
	OperationName string `json:"operation_name"`
}

func (c *client) StartGeneration(ctx context.Context, params GenerationParams) (string, error) {
	body := startRequest{
		Prompt:         params.Prompt,
		Style:          params.Style,
		NegativePrompt: params.NegativePrompt,
		AspectRatio:    params.AspectRatio,
		Resolution:     params.Resolution,
		Model:          params.Model,
	}
	if len(params.ReferenceImage) > 0 {
		body.ReferenceImage = base64.StdEncoding.EncodeToString(params.ReferenceImage)
		body.ReferenceMime = params.ReferenceMime
	}

	var out startResponse
	if err := c.postJSON(ctx, "/v1/videos:generate", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.OperationName) == "" {
		return "", fmt.Errorf("provider returned empty operation name")
	}
	return out.OperationName, nil
}

type pollResponse struct {
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`

	ArtifactURL  string `json:"artifact_url,omitempty"`
	ArtifactFile string `json:"artifact_file,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (c *client) PollOperation(ctx context.Context, handle string) (*OperationStatus, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, fmt.Errorf("empty operation handle")
	}
	var out pollResponse
	if err := c.getJSON(ctx, "/v1/operations/"+handle, &out); err != nil {
		return nil, err
	}

	st := &OperationStatus{Done: out.Done, Error: strings.TrimSpace(out.Error)}
	if out.Done && st.Error == "" {
		st.Thumbnail = out.ThumbnailURL
		switch {
		case out.ArtifactURL != "":
			st.Artifact = &ArtifactRef{Kind: ArtifactDirectURL, URL: out.ArtifactURL}
		case out.ArtifactFile != "":
			st.Artifact = &ArtifactRef{Kind: ArtifactFileHandle, Handle: out.ArtifactFile}
		default:
			// Done with nothing to fetch. Not a transport error; the caller
			// decides what a missing artifact means for the job.
			c.log.Warn("Operation done without artifact reference", "operation", handle)
		}
	}
	return st, nil
}

func (c *client) DownloadArtifact(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	switch ref.Kind {
	case ArtifactDirectURL:
		return c.fetch(ctx, ref.URL)
	case ArtifactFileHandle:
		return c.downloadFile(ctx, ref.Handle)
	default:
		return nil, fmt.Errorf("unknown artifact ref kind %q", ref.Kind)
	}
}

// downloadFile retrieves a provider-managed file. Some providers finish the
// operation before the file is readable, so a 404 is retried for a bounded
// number of attempts before giving up.
func (c *client) downloadFile(ctx context.Context, handle string) ([]byte, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, fmt.Errorf("empty file handle")
	}
	fileURL := c.baseURL + "/v1/files/" + handle + ":download"

	var lastErr error
	for attempt := 1; attempt <= c.fileWaitAttempts; attempt++ {
		data, status, err := c.fetchStatus(ctx, fileURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if status != http.StatusNotFound {
			return nil, err
		}
		c.log.Debug("Artifact file not ready yet", "handle", handle, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.fileWaitDelay):
		}
	}
	return nil, fmt.Errorf("artifact file %s never became readable: %w", handle, lastErr)
}

func (c *client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	data, _, err := c.fetchStatus(ctx, rawURL)
	return data, err
}

func (c *client) fetchStatus(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, fmt.Errorf("fetch %s: status %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body of %s: %w", rawURL, err)
	}
	return data, resp.StatusCode, nil
}

func (c *client) postJSON(ctx context.Context, path string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response of %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response of %s: %w", req.URL.Path, err)
	}
	return nil
}
