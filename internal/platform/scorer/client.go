package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/envutil"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

// Client calls the external quality scoring service. Scoring is
// best-effort: callers must tolerate errors here without failing the
// video they belong to.
type Client interface {
	Score(ctx context.Context, artifactURL string) (*domain.QualityScore, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(envutil.String("SCORER_BASE_URL", ""), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing env var SCORER_BASE_URL")
	}
	return &client{
		log:     log.With("service", "ScorerClient"),
		baseURL: baseURL,
		apiKey:  envutil.String("SCORER_API_KEY", ""),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

type scoreRequest struct {
	ArtifactURL string `json:"artifact_url"`
}

func (c *client) Score(ctx context.Context, artifactURL string) (*domain.QualityScore, error) {
	if strings.TrimSpace(artifactURL) == "" {
		return nil, fmt.Errorf("empty artifact url")
	}
	raw, err := json.Marshal(scoreRequest{ArtifactURL: artifactURL})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", artifactURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read scorer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scorer status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var score domain.QualityScore
	if err := json.Unmarshal(body, &score); err != nil {
		return nil, fmt.Errorf("decode scorer response: %w", err)
	}
	return &score, nil
}
