// Package provider implements the Content Provider external interface of
// spec.md §6: resolving an abstract resource locator (file, http(s), lib,
// or context scheme) to a canonical locator, then fetching its bytes.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/provider/security"
)

// Logger is the minimal logging capability the provider needs, matching the
// shape used across the teacher's common/ packages.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Cache is the contents-cache capability consumed by Provider, satisfied
// by common/cache.MemoryCache (in-memory only).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Provider resolves and fetches flow/function source content. Safe for
// concurrent use from multiple goroutines/processes (spec.md §5: "the
// Provider is process-global and must be thread-safe").
type Provider struct {
	libPath       []string // colon-separated FLOW_LIB_PATH search roots
	defaultExts   []string
	httpClient    *http.Client
	urlValidator  *security.URLValidator
	cache         Cache
	cacheTTL      time.Duration
	log           Logger

	mu sync.Mutex
}

// New creates a Provider. libPath is the already-split FLOW_LIB_PATH search
// roots; pass nil to disable lib:// resolution.
func New(libPath []string, cache Cache, log Logger) *Provider {
	return &Provider{
		libPath:      libPath,
		defaultExts:  []string{"toml", "yaml", "yml", "json"},
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		urlValidator: security.NewURLValidator(),
		cache:        cache,
		cacheTTL:     10 * time.Minute,
		log:          log,
	}
}

// Resolved is the result of resolving a locator (spec.md §6).
type Resolved struct {
	CanonicalURL string
	LibRef       string // non-empty when scheme was "lib"
}

// Resolve implements spec.md §6's `resolve(url, default_filename,
// extensions)`. defaultFilename is probed when url points at a directory
// (no recognized extension on the last path segment).
func (p *Provider) Resolve(ctx context.Context, rawURL, defaultFilename string, extensions []string) (Resolved, error) {
	if len(extensions) == 0 {
		extensions = p.defaultExts
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: cannot parse locator %q: %v", model.ErrResolution, rawURL, err)
	}

	switch u.Scheme {
	case "lib":
		return p.resolveLib(u, defaultFilename, extensions)
	case "context":
		// context:// locators are resolved by the Context Registry, not the
		// Provider; they pass through unchanged.
		return Resolved{CanonicalURL: rawURL}, nil
	case "http", "https":
		if err := p.urlValidator.Validate(rawURL); err != nil {
			return Resolved{}, fmt.Errorf("%w: %v", model.ErrResolution, err)
		}
		return p.resolveFileLike(rawURL, defaultFilename, extensions)
	case "file", "":
		return p.resolveFileLike(rawURL, defaultFilename, extensions)
	default:
		return Resolved{}, fmt.Errorf("%w: unsupported scheme %q", model.ErrResolution, u.Scheme)
	}
}

// resolveFileLike probes default_filename + extensions when the last path
// segment has no recognized extension, for both file:// and http(s)://
// locators (spec.md §4.1 step 1).
func (p *Provider) resolveFileLike(rawURL, defaultFilename string, extensions []string) (Resolved, error) {
	base := strings.TrimSuffix(rawURL, "/")
	if hasKnownExtension(base, extensions) {
		return Resolved{CanonicalURL: base}, nil
	}
	for _, ext := range extensions {
		candidate := fmt.Sprintf("%s/%s.%s", base, defaultFilename, ext)
		if p.exists(candidate) {
			return Resolved{CanonicalURL: candidate}, nil
		}
	}
	return Resolved{}, fmt.Errorf("%w: could not resolve %q against extensions %v", model.ErrResolution, rawURL, extensions)
}

func (p *Provider) exists(candidateURL string) bool {
	u, err := url.Parse(candidateURL)
	if err != nil {
		return false
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		resp, err := p.httpClient.Head(candidateURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
	localPath := u.Path
	if localPath == "" {
		localPath = candidateURL
	}
	_, err = os.Stat(localPath)
	return err == nil
}

func (p *Provider) resolveLib(u *url.URL, defaultFilename string, extensions []string) (Resolved, error) {
	libRef := "lib://" + strings.TrimPrefix(u.Host+u.Path, "/")
	if u.Host != "" {
		libRef = "lib://" + u.Host + u.Path
	}
	for _, root := range p.libPath {
		candidate := path.Join(root, u.Host, u.Path)
		resolved, err := p.resolveFileLike("file://"+candidate, defaultFilename, extensions)
		if err == nil {
			return Resolved{CanonicalURL: resolved.CanonicalURL, LibRef: libRef}, nil
		}
	}
	return Resolved{}, fmt.Errorf("%w: library %q not found on FLOW_LIB_PATH %v", model.ErrResolution, libRef, p.libPath)
}

func hasKnownExtension(u string, extensions []string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(u, "."+ext) {
			return true
		}
	}
	return false
}

// GetContents fetches bytes from a canonical (already-resolved) locator
// (spec.md §6). When a Cache is set, results are looked up and stored by
// canonical locator, whatever its scheme.
func (p *Provider) GetContents(ctx context.Context, canonicalURL string) ([]byte, error) {
	if p.cache != nil {
		if data, ok, err := p.cache.Get(ctx, canonicalURL); err == nil && ok {
			return data, nil
		}
	}

	u, err := url.Parse(canonicalURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrResolution, err)
	}

	var data []byte
	switch u.Scheme {
	case "http", "https":
		data, err = p.fetchHTTP(ctx, canonicalURL)
	case "file", "":
		data, err = p.fetchFile(u)
	default:
		return nil, fmt.Errorf("%w: cannot fetch scheme %q", model.ErrResolution, u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		_ = p.cache.Set(ctx, canonicalURL, data, p.cacheTTL)
	}
	return data, nil
}

func (p *Provider) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	if err := p.urlValidator.Validate(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrResolution, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrResolution, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %q: %v", model.ErrResolution, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %q returned status %d", model.ErrResolution, rawURL, resp.StatusCode)
	}
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return buf, nil
}

func (p *Provider) fetchFile(u *url.URL) ([]byte, error) {
	localPath := u.Path
	if localPath == "" {
		localPath = u.Opaque
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", model.ErrResolution, localPath, err)
	}
	return data, nil
}

// JoinSource joins a child's relative source against a parent's canonical
// locator (spec.md §4.1 step 5 "join the child's relative source against
// this flow's canonical locator").
func JoinSource(parentCanonical, childRelative string) string {
	if strings.Contains(childRelative, "://") {
		return childRelative
	}
	u, err := url.Parse(parentCanonical)
	if err != nil {
		return childRelative
	}
	dir := path.Dir(u.Path)
	u.Path = path.Join(dir, childRelative)
	return u.String()
}
