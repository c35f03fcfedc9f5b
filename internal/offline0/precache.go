package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// resolveAssets returns the static asset set: precache.assets followed by
// every page listed in precache.sitemaps (nested sitemap indexes are
// followed). Duplicates by request key are dropped, first occurrence wins.
// Any sitemap that cannot be fetched or parsed fails the whole install.
func (w *Worker) resolveAssets(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(w.cfg.Precache.Assets))
	add := func(u string) {
		key := RequestKey(http.MethodGet, u)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}

	for _, a := range w.cfg.Precache.Assets {
		add(strings.TrimSpace(a))
	}
	if len(w.cfg.Precache.Sitemaps) == 0 {
		return out, nil
	}

	pages, err := w.discoverSitemapPages(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		add(p)
	}
	return out, nil
}

func (w *Worker) discoverSitemapPages(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(w.cfg.Precache.Sitemaps))
	for _, sm := range w.cfg.Precache.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm != "" {
			queue = append(queue, w.originURL(sm))
		}
	}

	var pages []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, &InstallError{
				Version:  w.cfg.Cache.Version,
				Failures: []AssetFailure{{URL: smURL, Err: err}},
			}
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, w.originURL(nested))
			}
		}

		skipped := 0
		for _, loc := range doc.URLs {
			if isAbsoluteURL(loc) && !sameOrigin(w.cfg.Server.Origin, loc) {
				skipped++
				continue
			}
			path := pathFromLoc(loc)
			if path == "" {
				skipped++
				continue
			}
			if rule := w.cfg.pickRule(path); rule != nil && rule.Bypass {
				skipped++
				continue
			}
			pages = append(pages, path)
		}
		w.log.Debug("sitemap read", "sitemap", smURL, "urls", len(doc.URLs), "skipped", skipped)
	}
	return pages, nil
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.roundTrip(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !is2xx(resp.Status) {
		return sitemapDoc{}, &statusError{Status: resp.Status}
	}

	body := resp.Body
	// .gz sitemaps, unless the transport already inflated them
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap: %w", err)
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathFromLoc turns a sitemap <loc> into an origin-relative path.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, "/") {
			loc = "/" + loc
		}
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
