package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/orcabot/orcabot/internal/httpkit"
)

const (
	// scraperUserAgent is the OpenGraph crawler identity. Share pages
	// serve their og: tags to it without a login wall.
	scraperUserAgent = "facebookexternalhit/1.1 (+http://www.facebook.com/externalhit_uatext.php)"

	defaultPageLimit  = 5 << 20  // share page HTML
	defaultMediaLimit = 25 << 20 // downloaded attachment
)

// ErrNoMedia means the share page carried no og:video or og:image.
var ErrNoMedia = errors.New("no media found in page")

// Attachment is a resolved, fully downloaded media item.
type Attachment struct {
	Source   Source
	Kind     Kind
	Title    string
	Filename string
	Data     []byte
}

// Resolver turns share links into attachments.
type Resolver struct {
	httpClient *http.Client
	logger     *slog.Logger
	pageLimit  int64
	mediaLimit int64
}

// NewResolver creates a resolver. An empty userAgent selects the
// OpenGraph crawler identity.
func NewResolver(userAgent string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if userAgent == "" {
		userAgent = scraperUserAgent
	}
	return &Resolver{
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(userAgent),
			httpkit.WithLogger(logger),
		),
		logger:     logger.With("component", "media"),
		pageLimit:  defaultPageLimit,
		mediaLimit: defaultMediaLimit,
	}
}

// Resolve fetches the share page, reads its OpenGraph tags, and
// downloads the referenced media. Video wins over image when a page
// carries both.
func (r *Resolver) Resolve(ctx context.Context, link Link) (*Attachment, error) {
	page, err := r.fetchPage(ctx, link.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch share page: %w", err)
	}

	og := parseOpenGraph(strings.NewReader(page))

	kind := KindVideo
	mediaURL := firstTag(og, "og:video:secure_url", "og:video:url", "og:video")
	if mediaURL == "" {
		kind = KindImage
		mediaURL = firstTag(og, "og:image:secure_url", "og:image")
	}
	if mediaURL == "" {
		return nil, ErrNoMedia
	}

	data, err := r.download(ctx, mediaURL, link.URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", kind, err)
	}

	att := &Attachment{
		Source:   link.Source,
		Kind:     kind,
		Title:    og["og:title"],
		Filename: mediaFilename(mediaURL, kind),
		Data:     data,
	}
	r.logger.Debug("share link resolved",
		"source", string(link.Source),
		"kind", string(kind),
		"bytes", len(data),
	)
	return att, nil
}

func (r *Resolver) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, errBody)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.pageLimit))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (r *Resolver) download(ctx context.Context, mediaURL, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	// Some CDNs validate the share page as referer.
	req.Header.Set("Referer", referer)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 512)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.mediaLimit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > r.mediaLimit {
		return nil, fmt.Errorf("media exceeds %d byte limit", r.mediaLimit)
	}
	return data, nil
}

// parseOpenGraph walks the document and collects og:* meta tags. The
// first occurrence of each property wins, matching crawler behavior.
func parseOpenGraph(r io.Reader) map[string]string {
	doc, err := html.Parse(r)
	if err != nil {
		return nil
	}
	props := make(map[string]string)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
			var prop, content string
			for _, a := range n.Attr {
				switch a.Key {
				case "property", "name":
					prop = a.Val
				case "content":
					content = a.Val
				}
			}
			if strings.HasPrefix(prop, "og:") && content != "" {
				if _, dup := props[prop]; !dup {
					props[prop] = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return props
}

func firstTag(og map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := og[k]; v != "" {
			return v
		}
	}
	return ""
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// mediaFilename derives an upload filename from the media URL,
// guaranteeing an extension that matches the kind.
func mediaFilename(mediaURL string, kind Kind) string {
	name := ""
	if u, err := url.Parse(mediaURL); err == nil {
		name = path.Base(u.Path)
	}
	name = unsafeFilenameRe.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == "/" || name == "_" {
		name = string(kind)
	}
	if path.Ext(name) == "" {
		if kind == KindVideo {
			name += ".mp4"
		} else {
			name += ".jpg"
		}
	}
	return name
}
