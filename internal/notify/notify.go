package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"

	"github.com/uesteibar/ralphd/internal/retry"
	"github.com/uesteibar/ralphd/internal/state"
)

// Notifier delivers human-facing notifications about execution milestones.
type Notifier interface {
	ExecutionCompleted(ctx context.Context, exec state.Execution) error
	MergeConflict(ctx context.Context, exec state.Execution, conflictFiles []string) error
}

// LogNotifier writes notifications to the structured log. It is the
// fallback when no GitHub configuration is present.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *LogNotifier) ExecutionCompleted(ctx context.Context, exec state.Execution) error {
	n.logger().Info("execution completed", "branch", exec.Branch, "project", exec.Project)
	return nil
}

func (n *LogNotifier) MergeConflict(ctx context.Context, exec state.Execution, conflictFiles []string) error {
	n.logger().Warn("merge conflict needs attention",
		"branch", exec.Branch, "files", strings.Join(conflictFiles, ", "))
	return nil
}

// AppCredentials holds GitHub App authentication parameters. The Client ID
// string is used as the JWT issuer.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

// GitHubConfig configures the GitHub notifier.
type GitHubConfig struct {
	Owner string
	Repo  string
	// Token authenticates as a user unless App credentials are given.
	Token string
	App   *AppCredentials
	// BaseURL overrides the API endpoint, for tests and GitHub Enterprise.
	BaseURL string
}

// GitHubNotifier opens an issue per notification so a human sees completed
// work and stuck merges without watching the orchestrator logs.
type GitHubNotifier struct {
	gh     *gh.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// NewGitHub creates a GitHubNotifier. logger may be nil.
func NewGitHub(cfg GitHubConfig, logger *slog.Logger) (*GitHubNotifier, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github notifier requires owner and repo")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var client *gh.Client
	if cfg.App != nil {
		httpClient, err := newAppHTTPClient(cfg.App, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
	} else {
		client = gh.NewClient(nil).WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base URL: %w", err)
		}
	}

	return &GitHubNotifier{gh: client, owner: cfg.Owner, repo: cfg.Repo, logger: logger}, nil
}

func (n *GitHubNotifier) ExecutionCompleted(ctx context.Context, exec state.Execution) error {
	title := fmt.Sprintf("Execution completed: %s", exec.Branch)
	body := fmt.Sprintf(
		"All user stories on `%s` pass.\n\nProject: %s\nPRD: %s\n\nThe branch is ready for merge review.",
		exec.Branch, exec.Project, exec.PrdPath)
	return n.createIssue(ctx, title, body, "ralph-completed")
}

func (n *GitHubNotifier) MergeConflict(ctx context.Context, exec state.Execution, conflictFiles []string) error {
	title := fmt.Sprintf("Merge conflict: %s", exec.Branch)
	body := fmt.Sprintf(
		"Merging `%s` hit conflicts in:\n\n- %s\n\nThe merge was aborted; the branch is untouched and needs manual resolution.",
		exec.Branch, strings.Join(conflictFiles, "\n- "))
	return n.createIssue(ctx, title, body, "ralph-conflict")
}

func (n *GitHubNotifier) createIssue(ctx context.Context, title, body, label string) error {
	_, err := retry.DoVal(ctx, func() (*gh.Issue, error) {
		issue, _, err := n.gh.Issues.Create(ctx, n.owner, n.repo, &gh.IssueRequest{
			Title:  gh.Ptr(title),
			Body:   gh.Ptr(body),
			Labels: &[]string{label},
		})
		if err != nil {
			return nil, classifyErr(err)
		}
		return issue, nil
	})
	if err != nil {
		return fmt.Errorf("creating notification issue: %w", err)
	}
	n.logger.Info("notification issue created", "title", title)
	return nil
}

// classifyErr marks 4xx responses permanent so the retry loop gives up
// immediately.
func classifyErr(err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}
	return err
}

// newAppHTTPClient builds an installation transport whose JWT issuer is the
// App's Client ID string.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyData, err := os.ReadFile(app.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}
	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0,
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return &http.Client{Transport: itr}, nil
}

// clientIDSigner signs App JWTs with the Client ID as issuer instead of a
// numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}
