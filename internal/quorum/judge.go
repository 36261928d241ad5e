package quorum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/slo"
)

// Judge evaluates an SLO document and returns its verdicts. Implementations
// must honour ctx, but the coordinator does not rely on it.
type Judge interface {
	ID() string
	Evaluate(ctx context.Context, doc *slo.Document) (api.VerdictSet, error)
}

// LocalJudge judges against a witness file read fresh on every query, so a
// witness refreshed between gates is picked up.
type LocalJudge struct {
	id          string
	witnessPath string
}

func NewLocalJudge(id, witnessPath string) *LocalJudge {
	return &LocalJudge{id: id, witnessPath: witnessPath}
}

func (j *LocalJudge) ID() string { return j.id }

func (j *LocalJudge) Evaluate(ctx context.Context, doc *slo.Document) (api.VerdictSet, error) {
	if err := ctx.Err(); err != nil {
		return api.VerdictSet{}, err
	}
	witness, err := slo.LoadWitness(j.witnessPath)
	if err != nil {
		return api.VerdictSet{}, fmt.Errorf("judge %s: %w", j.id, err)
	}
	return slo.JudgeDocument(doc, witness), nil
}

// StaticJudge judges against a fixed metric set.
type StaticJudge struct {
	id      string
	metrics map[string]float64
}

func NewStaticJudge(id string, metrics map[string]float64) *StaticJudge {
	return &StaticJudge{id: id, metrics: metrics}
}

func (j *StaticJudge) ID() string { return j.id }

func (j *StaticJudge) Evaluate(ctx context.Context, doc *slo.Document) (api.VerdictSet, error) {
	if err := ctx.Err(); err != nil {
		return api.VerdictSet{}, err
	}
	return slo.JudgeDocument(doc, j.metrics), nil
}

// JudgeRequest is the body POSTed to a remote judge.
type JudgeRequest struct {
	Document *slo.Document `json:"document"`
}

// HTTPJudge queries a remote judge server.
type HTTPJudge struct {
	id     string
	url    string
	token  string
	client *http.Client
}

// NewHTTPJudge creates a judge for baseURL. token, when set, is sent as a
// bearer token. client may be nil.
func NewHTTPJudge(id, baseURL, token string, client *http.Client) *HTTPJudge {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPJudge{
		id:     id,
		url:    strings.TrimRight(baseURL, "/") + "/v1/judge",
		token:  token,
		client: client,
	}
}

func (j *HTTPJudge) ID() string { return j.id }

func (j *HTTPJudge) Evaluate(ctx context.Context, doc *slo.Document) (api.VerdictSet, error) {
	body, err := json.Marshal(JudgeRequest{Document: doc})
	if err != nil {
		return api.VerdictSet{}, fmt.Errorf("judge %s: encode request: %w", j.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return api.VerdictSet{}, fmt.Errorf("judge %s: %w", j.id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if j.token != "" {
		req.Header.Set("Authorization", "Bearer "+j.token)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return api.VerdictSet{}, fmt.Errorf("judge %s: %w", j.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return api.VerdictSet{}, fmt.Errorf("judge %s: read response: %w", j.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return api.VerdictSet{}, fmt.Errorf("judge %s: status %d: %s", j.id, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var set api.VerdictSet
	if err := json.Unmarshal(data, &set); err != nil {
		return api.VerdictSet{}, fmt.Errorf("judge %s: decode verdicts: %w", j.id, err)
	}
	if set.Routes == nil {
		return api.VerdictSet{}, fmt.Errorf("judge %s: response has no routes", j.id)
	}
	return set, nil
}
