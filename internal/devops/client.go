// Package devops exposes the Azure DevOps endpoints the rerunner needs:
// build listing, artifact listing and artifact download.
package devops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourorg/rerunner/internal/apiclient"
	"github.com/yourorg/rerunner/internal/filter"
	"github.com/yourorg/rerunner/internal/secret"
	"github.com/yourorg/rerunner/pkg/types"
)

const (
	buildsAPIVersion    = "7.1-preview.7"
	artifactsAPIVersion = "7.1-preview.5"
	testRunsAPIVersion  = "7.1-preview.7"

	enrichLimit = 4
	dateLayout  = "Mon 02 Jan 2006 15:04"
)

// Caller is the subset of apiclient.Client used here.
type Caller interface {
	Call(ctx context.Context, req apiclient.Request, cacheKey string) (*apiclient.Response, error)
	Stream(ctx context.Context, req apiclient.Request) (io.ReadCloser, error)
}

// Session identifies who is calling and with which decrypted secret.
type Session struct {
	Caller string
	Secret string
}

// BuildRef locates one build.
type BuildRef struct {
	Project string
	BuildID int
}

func (r BuildRef) String() string {
	return r.Project + "#" + strconv.Itoa(r.BuildID)
}

// Client talks to one Azure DevOps organization.
type Client struct {
	api     Caller
	baseURL string
	org     string
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Client for org under baseURL (e.g. https://dev.azure.com).
func New(api Caller, baseURL, org string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		api:     api,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		org:     org,
		logger:  logger,
		now:     time.Now,
	}
}

type artifactList struct {
	Value []struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		Resource struct {
			DownloadURL string `json:"downloadUrl"`
		} `json:"resource"`
	} `json:"value"`
}

type buildList struct {
	Value []struct {
		ID         int    `json:"id"`
		Result     string `json:"result"`
		Status     string `json:"status"`
		FinishTime string `json:"finishTime"`
		Definition struct {
			Name string `json:"name"`
		} `json:"definition"`
	} `json:"value"`
}

type testRunList struct {
	Value []struct {
		TotalTests  int `json:"totalTests"`
		PassedTests int `json:"passedTests"`
	} `json:"value"`
}

// ListArtifacts returns the artifacts attached to a build. Responses are cached
// per build and caller.
func (c *Client) ListArtifacts(ctx context.Context, s Session, ref BuildRef) ([]types.Artifact, error) {
	u := fmt.Sprintf("%s/_apis/build/builds/%d/artifacts?api-version=%s", c.projectURL(ref.Project), ref.BuildID, artifactsAPIVersion)
	var out artifactList
	if err := c.getJSON(ctx, s, u, true, &out); err != nil {
		return nil, fmt.Errorf("list artifacts for build %s: %w", ref, err)
	}
	artifacts := make([]types.Artifact, 0, len(out.Value))
	for _, a := range out.Value {
		artifacts = append(artifacts, types.Artifact{ID: a.ID, Name: a.Name, DownloadURL: a.Resource.DownloadURL})
	}
	return artifacts, nil
}

// DownloadArtifact streams an artifact archive. The caller must close it.
func (c *Client) DownloadArtifact(ctx context.Context, s Session, downloadURL string) (io.ReadCloser, error) {
	body, err := c.api.Stream(ctx, apiclient.Request{
		Method: http.MethodGet,
		URL:    downloadURL,
		Header: authHeader(s),
		Caller: s.Caller,
	})
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	return body, nil
}

// ListBuilds returns the partially succeeded builds of project that finished
// inside w, each enriched with its test-run counts. Enrichment failures are
// logged and leave the counts at zero.
func (c *Client) ListBuilds(ctx context.Context, s Session, project string, w filter.Window) ([]types.Build, error) {
	u := fmt.Sprintf("%s/_apis/build/builds?api-version=%s", c.projectURL(project), buildsAPIVersion)
	var out buildList
	if err := c.getJSON(ctx, s, u, true, &out); err != nil {
		return nil, fmt.Errorf("list builds for %s: %w", project, err)
	}

	all := make([]types.Build, 0, len(out.Value))
	for _, b := range out.Value {
		build := types.Build{
			BuildID:      b.ID,
			PipelineName: b.Definition.Name,
			Result:       b.Result,
			Status:       b.Status,
		}
		if b.FinishTime != "" {
			if t, err := time.Parse(time.RFC3339Nano, b.FinishTime); err == nil {
				build.FinishTime = t
				build.Date = t.In(time.Local).Format(dateLayout)
			}
		}
		all = append(all, build)
	}
	builds := filter.Builds(all, w, filter.ResultPartiallySucceeded)

	var g errgroup.Group
	g.SetLimit(enrichLimit)
	for i := range builds {
		i := i
		g.Go(func() error {
			total, passed, err := c.testRunCounts(ctx, s, BuildRef{Project: project, BuildID: builds[i].BuildID})
			if err != nil {
				c.logger.WarnContext(ctx, "test run lookup failed", "build", builds[i].BuildID, "error", err)
				return nil
			}
			builds[i].TotalTests = total
			builds[i].PassedTests = passed
			return nil
		})
	}
	_ = g.Wait()
	return builds, nil
}

// ListBuildsInRange resolves a named range ("today", "last_week", ...) first.
// An unknown range yields no builds.
func (c *Client) ListBuildsInRange(ctx context.Context, s Session, project, rangeName string) ([]types.Build, error) {
	w, ok := filter.RangeWindow(rangeName, c.now())
	if !ok {
		return []types.Build{}, nil
	}
	return c.ListBuilds(ctx, s, project, w)
}

func (c *Client) testRunCounts(ctx context.Context, s Session, ref BuildRef) (int, int, error) {
	u := fmt.Sprintf("%s/_apis/test/runs?buildIds=%d&api-version=%s", c.projectURL(ref.Project), ref.BuildID, testRunsAPIVersion)
	var out testRunList
	if err := c.getJSON(ctx, s, u, true, &out); err != nil {
		return 0, 0, err
	}
	var total, passed int
	for _, r := range out.Value {
		total += r.TotalTests
		passed += r.PassedTests
	}
	return total, passed, nil
}

func (c *Client) getJSON(ctx context.Context, s Session, u string, cache bool, dst any) error {
	key := ""
	if cache {
		key = apiclient.CacheKey(http.MethodGet, u, s.Caller)
	}
	resp, err := c.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: authHeader(s),
		Caller: s.Caller,
	}, key)
	if err != nil {
		return err
	}
	if err := resp.Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) projectURL(project string) string {
	return c.baseURL + "/" + url.PathEscape(c.org) + "/" + url.PathEscape(project)
}

func authHeader(s Session) http.Header {
	h := http.Header{}
	h.Set("Authorization", secret.BasicAuth(s.Secret))
	h.Set("Accept", "application/json")
	return h
}
