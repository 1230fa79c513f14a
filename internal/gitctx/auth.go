package gitctx

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/xkilldash9x/logdiag/internal/config"
)

// tokenUser is the basic auth username hosting providers accept alongside an access token.
const tokenUser = "x-access-token"

// authFor builds the transport credentials for the configured method.
// Local repositories need none.
func authFor(cfg config.RepositoryConfig) (transport.AuthMethod, error) {
	if isLocalURL(cfg.URL) {
		return nil, nil
	}
	switch cfg.AuthMethod {
	case config.AuthSSH:
		user := cfg.SSHUser
		if user == "" {
			user = "git"
		}
		if cfg.SSHKeyPath != "" {
			keys, err := gitssh.NewPublicKeysFromFile(user, cfg.SSHKeyPath, cfg.SSHKeyPass)
			if err != nil {
				return nil, fmt.Errorf("load ssh key %s: %w", cfg.SSHKeyPath, err)
			}
			return keys, nil
		}
		agent, err := gitssh.NewSSHAgentAuth(user)
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		return agent, nil
	case config.AuthHTTPS:
		user := cfg.Username
		if user == "" {
			user = tokenUser
		}
		return &githttp.BasicAuth{Username: user, Password: cfg.Token}, nil
	case config.AuthToken:
		return &githttp.BasicAuth{Username: tokenUser, Password: cfg.Token}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", cfg.AuthMethod)
	}
}

func isLocalURL(raw string) bool {
	return strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "file://") ||
		strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../")
}

// RedactURL removes any credentials embedded in a remote URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
