package gauchebuild

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Transport downloads files over HTTP(S).
type Transport interface {
	Name() string
	// Available reports whether the transport can be used on this host.
	Available() bool
	// Exists probes url without downloading the body.
	Exists(ctx context.Context, url string) (bool, error)
	// Download writes the body of url to dest.
	Download(ctx context.Context, url, dest string) error
}

// transportOptions are shared by every transport of a run.
type transportOptions struct {
	Log      io.Writer // tool output
	Progress bool      // show a progress bar for native downloads
}

// transports lists the known transports in preference order.
func transports(opt transportOptions) []Transport {
	return []Transport{
		&toolTransport{name: "curl", opt: opt},
		&toolTransport{name: "wget", opt: opt},
		newNativeTransport(opt),
	}
}

// selectTransport returns the pinned transport, or the first available one.
func selectTransport(pinned string, opt transportOptions) (Transport, error) {
	all := transports(opt)
	if pinned == "" {
		for _, t := range all {
			if t.Available() {
				debugf("using %s for downloads", t.Name())
				return t, nil
			}
		}
		return nil, fmt.Errorf("%w: please install curl or wget", ErrNoHTTPClient)
	}
	for _, t := range all {
		if t.Name() != pinned {
			continue
		}
		if !t.Available() {
			break
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s is not available; please install curl or wget, or unset %s_HTTP_CLIENT",
		ErrNoHTTPClient, pinned, EnvPrefix)
}

// toolTransport drives curl or wget.
type toolTransport struct {
	name string
	opt  transportOptions
}

func (t *toolTransport) Name() string { return t.name }

func (t *toolTransport) Available() bool {
	_, err := exec.LookPath(t.name)
	return err == nil
}

func (t *toolTransport) headArgs(url string) []string {
	if t.name == "wget" {
		return []string{"-q", "--spider", url}
	}
	return []string{"-q", "-sILf", url}
}

func (t *toolTransport) getArgs(url, dest string) []string {
	if t.name == "wget" {
		return []string{"-nv", "-O", dest, url}
	}
	return []string{"-q", "-sSfL", "-o", dest, url}
}

func (t *toolTransport) Exists(ctx context.Context, url string) (bool, error) {
	cmd := exec.Command(t.name, t.headArgs(url)...)
	err := (&Executor{Context: ctx}).Run(cmd)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, err
	}
	return false, nil
}

func (t *toolTransport) Download(ctx context.Context, url, dest string) error {
	debugf("%s %s -> %s", t.name, url, dest)
	cmd := exec.Command(t.name, t.getArgs(url, dest)...)
	if err := (&Executor{Context: ctx, Stdout: t.opt.Log, Stderr: t.opt.Log}).Run(cmd); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	return nil
}

// nativeTransport uses net/http and is always available.
type nativeTransport struct {
	client *http.Client
	opt    transportOptions
}

func newNativeTransport(opt transportOptions) *nativeTransport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &nativeTransport{
		client: &http.Client{Transport: transport, Timeout: 300 * time.Second},
		opt:    opt,
	}
}

func (n *nativeTransport) Name() string    { return "native" }
func (n *nativeTransport) Available() bool { return true }

func (n *nativeTransport) Exists(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		debugf("HEAD %s: %v", url, err)
		return false, nil
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (n *nativeTransport) Download(ctx context.Context, url, dest string) error {
	debugf("GET %s -> %s", url, dest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %s", url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	var w io.Writer = out
	if n.opt.Progress && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, shortName(url))
		defer bar.Close()
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return out.Close()
}

func shortName(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 && i < len(url)-1 {
		return url[i+1:]
	}
	return url
}

// Mirror is a content-addressed store of source archives keyed by checksum.
type Mirror interface {
	Has(ctx context.Context, checksum string) (bool, error)
	Download(ctx context.Context, checksum, dest string) error
}

// httpMirror serves <base>/<checksum> over the selected transport.
type httpMirror struct {
	base string
	t    Transport
}

func (m *httpMirror) url(checksum string) string {
	return m.base + "/" + checksum
}

func (m *httpMirror) Has(ctx context.Context, checksum string) (bool, error) {
	return m.t.Exists(ctx, m.url(checksum))
}

func (m *httpMirror) Download(ctx context.Context, checksum, dest string) error {
	return m.t.Download(ctx, m.url(checksum), dest)
}

// newMirror picks the mirror implementation from the URL scheme.
func newMirror(ctx context.Context, rawURL string, t Transport, s3opt S3Options) (Mirror, error) {
	if strings.HasPrefix(rawURL, "s3://") {
		return NewS3Mirror(ctx, rawURL, s3opt)
	}
	return &httpMirror{base: strings.TrimRight(rawURL, "/"), t: t}, nil
}
