package loader

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

const article = `<html><head><title>Paris</title></head><body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Paris</h1>
<p>Paris is the capital and largest city of France. With an estimated population of more than two million residents it is the centre of the Ile-de-France region and one of the major European cities.</p>
<p>The city is a major railway, highway and air transport hub served by two international airports. Paris is known for its museums and architectural landmarks and hosts many international organisations.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func TestLoaderStdin(t *testing.T) {
	l := New(strings.NewReader("Paris is nice"))
	got, err := l.Text(context.Background(), Stdin)
	if err != nil {
		t.Fatalf("Text() error = %v", err)
	}
	if got != "Paris is nice" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestLoaderPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("Berlin is big"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := New(nil)
	got, err := l.Text(context.Background(), path)
	if err != nil {
		t.Fatalf("Text() error = %v", err)
	}
	if got != "Berlin is big" {
		t.Fatalf("Text() = %q", got)
	}

	// cached, the file may go away
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if again, err := l.Text(context.Background(), path); err != nil || again != got {
		t.Fatalf("cached Text() = %q, %v", again, err)
	}
}

func TestLoaderMissingFile(t *testing.T) {
	if _, err := New(nil).Text(context.Background(), filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoaderURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/paris":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(article))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("plain text"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := New(nil, WithHTTPClient(srv.Client()))
	ctx := context.Background()

	got, err := l.Text(ctx, srv.URL+"/paris")
	if err != nil {
		t.Fatalf("Text(html) error = %v", err)
	}
	if !strings.Contains(got, "capital and largest city of France") {
		t.Fatalf("article text missing: %q", got)
	}
	if strings.Contains(got, "<p>") {
		t.Fatalf("markup left in text: %q", got)
	}
	if _, err := l.Text(ctx, srv.URL+"/paris"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached fetch, got %d requests", hits.Load())
	}

	plain, err := l.Text(ctx, srv.URL+"/plain")
	if err != nil || plain != "plain text" {
		t.Fatalf("Text(plain) = %q, %v", plain, err)
	}
	if _, err := l.Text(ctx, srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestParseDocx(t *testing.T) {
	const body = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Paris is the capital</w:t></w:r><w:del><w:r><w:t> of Germany</w:t></w:r></w:del><w:r><w:t> of France.</w:t></w:r></w:p>
<w:p><w:r><w:t>Berlin</w:t><w:tab/><w:t>Germany</w:t></w:r></w:p>
</w:body></w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := parseDocx(buf.Bytes())
	if err != nil {
		t.Fatalf("parseDocx() error = %v", err)
	}
	want := "Paris is the capital of France.\nBerlin\tGermany"
	if got != want {
		t.Fatalf("parseDocx() = %q, want %q", got, want)
	}

	if _, err := parseDocx([]byte("not a zip")); err == nil {
		t.Fatal("expected error for invalid archive")
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "stdin"},
		{Stdin, "stdin"},
		{"/tmp/docs/paris.txt", "paris.txt"},
		{"https://example.org/wiki/Paris", "Paris"},
		{"https://example.org/wiki/Paris/", "Paris"},
		{"https://example.org", "example.org"},
	}
	for _, tt := range tests {
		if got := Name(tt.in); got != tt.want {
			t.Fatalf("Name(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
