package source

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"cdpipeline/internal/pipeline"
	"cdpipeline/pkg/backoff"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
)

// GitHubFetcher runs SourceFetch actions against the GitHub archive API.
type GitHubFetcher struct {
	cfg         Config
	credentials CredentialResolver
	httpClient  *http.Client
}

// NewGitHubFetcher creates a fetcher. A nil resolver reads secrets from cfg.SecretsDir.
func NewGitHubFetcher(cfg Config, credentials CredentialResolver) *GitHubFetcher {
	cfg = cfg.withDefaults()
	if credentials == nil {
		credentials = SecretResolver{Dir: cfg.SecretsDir}
	}
	return &GitHubFetcher{
		cfg:         cfg,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Execute implements pipeline.Executor. The trigger revision wins over the
// configured branch; with neither, the repository's default branch is fetched.
func (f *GitHubFetcher) Execute(ctx context.Context, ac *pipeline.ActionContext) error {
	spec, ok := ac.Spec().(pipeline.SourceFetch)
	if !ok {
		return fmt.Errorf("source fetcher cannot run %s actions", ac.Spec().Kind())
	}
	outputs := ac.Action().Outputs
	if len(outputs) == 0 {
		return apperrors.Validation("outputs", fmt.Sprintf("source action %s declares no output", ac.Action().Name))
	}

	ref := ac.Revision()
	if ref == "" {
		ref = spec.Branch
	}

	client := f.httpClient
	if spec.CredentialRef != "" {
		token, err := f.credentials.Resolve(spec.CredentialRef)
		if err != nil {
			return err
		}
		client = f.authorizedClient(ctx, token)
	}

	archive, err := os.CreateTemp("", "source-*.tar.gz")
	if err != nil {
		return apperrors.Internal("source.tempfile", err)
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	endpoint := f.archiveURL(spec.Owner, spec.Repo, ref)
	retryCfg := &backoff.Config{Initial: f.cfg.RetryInitial, Max: 30 * f.cfg.RetryInitial, Jitter: 0.2}
	err = backoff.Retry(ctx, f.cfg.RetryAttempts, retryCfg, func(attempt int) error {
		if _, err := archive.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		if err := archive.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}
		err := f.download(ctx, client, endpoint, archive)
		if err != nil {
			ac.Logger().Warn("Source download failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return err
	}

	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return apperrors.Internal("source.rewind", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(artifact.Repack(pw, archive, artifact.RepackOptions{Compressed: true, StripComponents: 1}))
	}()
	a, err := ac.PutOutput(ctx, outputs[0], pr)
	pr.Close()
	if err != nil {
		return err
	}

	ac.Logger().Info("Source fetched",
		"owner", spec.Owner,
		"repo", spec.Repo,
		"ref", ref,
		"artifact", a.Name,
		"size", a.Size,
		"digest", a.Digest,
	)
	return nil
}

func (f *GitHubFetcher) authorizedClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	client.Timeout = f.cfg.HTTPTimeout
	return client
}

func (f *GitHubFetcher) archiveURL(owner, repo, ref string) string {
	u := strings.TrimSuffix(f.cfg.APIURL, "/") + "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/tarball"
	if ref != "" {
		u += "/" + url.PathEscape(ref)
	}
	return u
}

// download writes the archive to w. Client errors are permanent; server errors
// and transport failures are retried.
func (f *GitHubFetcher) download(ctx context.Context, client *http.Client, endpoint string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("request archive: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(apperrors.NotFound("revision", endpoint))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("archive request rejected: %s", resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("archive request failed: %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("unexpected archive response: %s", resp.Status))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("read archive: %w", err)
	}
	return nil
}
