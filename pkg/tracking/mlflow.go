// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/finetune/pkg/ingestion"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// Environment variables with the tracking server credentials.
const (
	EnvUsername = "MLFLOW_TRACKING_USERNAME"
	EnvPassword = "MLFLOW_TRACKING_PASSWORD"
	EnvToken    = "MLFLOW_TRACKING_TOKEN"
)

const (
	apiPrefix           = "/api/2.0/mlflow/"
	artifactsPrefix     = "/api/2.0/mlflow-artifacts/artifacts/"
	artifactsURIScheme  = "mlflow-artifacts:"
	maxParamsPerBatch   = 100
	maxMetricsPerBatch  = 1000
	errResourceExists   = "RESOURCE_ALREADY_EXISTS"
	errResourceNotFound = "RESOURCE_DOES_NOT_EXIST"
)

// APIError is returned when the tracking server answers with a non-2xx status.
type APIError struct {
	StatusCode int
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Endpoint   string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("tracking server %s: %d %s: %s", e.Endpoint, e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("tracking server %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Client of an MLflow tracking server REST API. It implements Tracker.
type Client struct {
	baseURL string

	// HTTPClient used for the requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	limiter                   *rate.Limiter
	username, password, token string
}

var _ Tracker = (*Client)(nil)

// DefaultRequestsPerSecond is the rate limit of a new Client.
var DefaultRequestsPerSecond = 10.0

// NewClient returns a client for the MLflow tracking server at baseURL. Credentials are read from
// the environment (EnvUsername and EnvPassword, or EnvToken).
func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid tracking server URL %q", baseURL)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
		username:   os.Getenv(EnvUsername),
		password:   os.Getenv(EnvPassword),
		token:      os.Getenv(EnvToken),
	}, nil
}

// SetRateLimit changes the maximum number of requests per second sent to the server.
func (c *Client) SetRateLimit(requestsPerSecond float64) *Client {
	c.limiter.SetLimit(rate.Limit(requestsPerSecond))
	return c
}

// newRequest builds an authenticated request, after waiting for the rate limiter.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request for %q", path)
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// send executes req and decodes a JSON response into response, if not nil.
func (c *Client) send(req *http.Request, endpoint string, response any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to tracking server %s failed", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response of %s", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint}
		if json.Unmarshal(content, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(content))
		}
		return apiErr
	}
	if response == nil || len(content) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(content, response), "failed to parse response of %s", endpoint)
}

// call an MLflow REST endpoint: GET requests pass query as parameters, POST requests send it as JSON.
func (c *Client) call(ctx context.Context, method, endpoint string, query, response any) error {
	var body io.Reader
	path := apiPrefix + endpoint
	switch method {
	case http.MethodGet:
		if values, ok := query.(url.Values); ok {
			path += "?" + values.Encode()
		}
	default:
		content, err := json.Marshal(query)
		if err != nil {
			return errors.Wrapf(err, "failed to encode request to %s", endpoint)
		}
		body = bytes.NewReader(content)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	klog.V(2).Infof("tracking: %s %s", method, endpoint)
	return c.send(req, endpoint, response)
}

func isAPIError(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == code
}

// experimentID returns the id of the named experiment, creating it if it doesn't exist.
func (c *Client) experimentID(ctx context.Context, name string) (string, error) {
	var found struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.call(ctx, http.MethodGet, "experiments/get-by-name", url.Values{"experiment_name": {name}}, &found)
	if err == nil {
		return found.Experiment.ExperimentID, nil
	}
	if !isAPIError(err, errResourceNotFound) {
		return "", err
	}
	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	err = c.call(ctx, http.MethodPost, "experiments/create", map[string]string{"name": name}, &created)
	if err != nil {
		return "", err
	}
	klog.Infof("created tracking experiment %q (id %s)", name, created.ExperimentID)
	return created.ExperimentID, nil
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StartRun implements Tracker.
func (c *Client) StartRun(ctx context.Context, experiment, runName string) (Run, error) {
	expID, err := c.experimentID(ctx, experiment)
	if err != nil {
		return Run{}, err
	}
	request := map[string]any{
		"experiment_id": expID,
		"start_time":    time.Now().UnixMilli(),
		"tags":          []keyValue{{Key: "mlflow.source.name", Value: "finetune"}},
	}
	if runName != "" {
		request["run_name"] = runName
	}
	var created struct {
		Run struct {
			Info struct {
				RunID        string `json:"run_id"`
				ExperimentID string `json:"experiment_id"`
				ArtifactURI  string `json:"artifact_uri"`
			} `json:"info"`
		} `json:"run"`
	}
	if err = c.call(ctx, http.MethodPost, "runs/create", request, &created); err != nil {
		return Run{}, err
	}
	info := created.Run.Info
	if info.ExperimentID == "" {
		info.ExperimentID = expID
	}
	return Run{ID: info.RunID, ExperimentID: info.ExperimentID, ArtifactURI: info.ArtifactURI}, nil
}

// LogParams implements Tracker. Parameters are sent in batches of at most 100.
func (c *Client) LogParams(ctx context.Context, run Run, params map[string]string) error {
	batch := make([]keyValue, 0, maxParamsPerBatch)
	for _, key := range sortedKeys(params) {
		batch = append(batch, keyValue{Key: key, Value: params[key]})
		if len(batch) == maxParamsPerBatch {
			if err := c.logBatch(ctx, run, batch, nil); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return c.logBatch(ctx, run, batch, nil)
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// LogMetrics implements Tracker.
func (c *Client) LogMetrics(ctx context.Context, run Run, metrics map[string]float64) error {
	now := time.Now().UnixMilli()
	batch := make([]metric, 0, len(metrics))
	for _, key := range sortedKeys(metrics) {
		batch = append(batch, metric{Key: key, Value: metrics[key], Timestamp: now})
		if len(batch) == maxMetricsPerBatch {
			if err := c.logBatch(ctx, run, nil, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return c.logBatch(ctx, run, nil, batch)
}

func (c *Client) logBatch(ctx context.Context, run Run, params []keyValue, metrics []metric) error {
	request := map[string]any{"run_id": run.ID}
	if len(params) > 0 {
		request["params"] = params
	}
	if len(metrics) > 0 {
		request["metrics"] = metrics
	}
	return c.call(ctx, http.MethodPost, "runs/log-batch", request, nil)
}

// artifactPath returns the path, relative to the artifacts API, of the run's artifact at relPath.
func (c *Client) artifactPath(run Run, relPath string) string {
	base := fmt.Sprintf("%s/%s/artifacts", run.ExperimentID, run.ID)
	if rest, ok := strings.CutPrefix(run.ArtifactURI, artifactsURIScheme); ok {
		base = strings.Trim(rest, "/")
	}
	return base + "/" + relPath
}

// uploadArtifact sends the file at localPath to the run's artifact store, at relPath.
func (c *Client) uploadArtifact(ctx context.Context, run Run, localPath, relPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open artifact %q", localPath)
	}
	defer func() { _ = f.Close() }()
	req, err := c.newRequest(ctx, http.MethodPut, artifactsPrefix+c.artifactPath(run, relPath), f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.send(req, "artifacts/"+relPath, nil)
}

// LogModel implements Tracker. The model directory is uploaded zipped, as "model/<dir name>.zip".
func (c *Client) LogModel(ctx context.Context, run Run, modelDir, registeredName string) error {
	tmpDir, err := os.MkdirTemp("", "finetune-model-")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary directory")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	zipName := filepath.Base(filepath.Clean(modelDir)) + ".zip"
	zipPath := filepath.Join(tmpDir, zipName)
	if err = ingestion.Pack(modelDir, zipPath); err != nil {
		return err
	}
	if err = c.uploadArtifact(ctx, run, zipPath, ModelArtifactPath+"/"+zipName); err != nil {
		return err
	}
	klog.Infof("model %q uploaded to run %s", modelDir, run.ID)
	if registeredName == "" {
		return nil
	}
	return c.registerModel(ctx, run, registeredName)
}

// registerModel creates a new version of the registered model name, pointing to the run's model artifact.
func (c *Client) registerModel(ctx context.Context, run Run, name string) error {
	err := c.call(ctx, http.MethodPost, "registered-models/create", map[string]string{"name": name}, nil)
	if err != nil && !isAPIError(err, errResourceExists) {
		return err
	}
	source := run.ArtifactURI
	if source == "" {
		source = artifactsURIScheme + "/" + c.artifactPath(run, "")
		source = strings.TrimSuffix(source, "/")
	}
	request := map[string]string{
		"name":   name,
		"source": source + "/" + ModelArtifactPath,
		"run_id": run.ID,
	}
	var created struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	if err = c.call(ctx, http.MethodPost, "model-versions/create", request, &created); err != nil {
		return err
	}
	klog.Infof("registered model %q version %s", name, created.ModelVersion.Version)
	return nil
}

// EndRun implements Tracker.
func (c *Client) EndRun(ctx context.Context, run Run, status RunStatus) error {
	request := map[string]any{
		"run_id":   run.ID,
		"status":   status,
		"end_time": time.Now().UnixMilli(),
	}
	return c.call(ctx, http.MethodPost, "runs/update", request, nil)
}
