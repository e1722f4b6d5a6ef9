// Package loader reads the text of a document to link. Sources are local
// files, stdin and http(s) URLs. HTML pages are reduced to their readable
// article text and Word documents to their paragraph text.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Stdin is the path that selects the reader given to New.
const Stdin = "-"

// Loader resolves document paths to text. Results are cached per path.
type Loader struct {
	client *http.Client
	stdin  io.Reader

	cache   map[string]string
	cacheMu sync.RWMutex
	group   singleflight.Group
}

type Option func(*Loader)

// WithHTTPClient sets the client used for URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

func New(stdin io.Reader, opts ...Option) *Loader {
	l := &Loader{
		client: http.DefaultClient,
		stdin:  stdin,
		cache:  make(map[string]string),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Text returns the text of the document at p.
func (l *Loader) Text(ctx context.Context, p string) (string, error) {
	if p == Stdin || p == "" {
		data, err := io.ReadAll(l.stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}

	l.cacheMu.RLock()
	if cached, ok := l.cache[p]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(p, func() (any, error) {
		var text string
		var err error
		if IsURL(p) {
			text, err = l.fetch(ctx, p)
		} else {
			text, err = readFile(p)
		}
		if err != nil {
			return "", err
		}
		l.cacheMu.Lock()
		l.cache[p] = text
		l.cacheMu.Unlock()
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Name returns a document id derived from p.
func Name(p string) string {
	if p == Stdin || p == "" {
		return "stdin"
	}
	if IsURL(p) {
		trimmed := strings.TrimRight(p, "/")
		if base := path.Base(trimmed); base != "." && base != "/" && !strings.HasSuffix(trimmed, ":") {
			return base
		}
		return p
	}
	return filepath.Base(p)
}

func IsURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

func readFile(p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".docx":
		return parseDocx(data)
	case ".html", ".htm":
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		return readable(bytes.NewReader(data), &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)})
	default:
		return string(data), nil
	}
}
