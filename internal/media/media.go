// Package media detects share links from the platforms the bot knows
// how to mirror (Facebook, Instagram, TikTok) and resolves them into
// downloadable attachments by scraping OpenGraph metadata from the
// share page.
package media

import (
	"regexp"
	"sort"
	"strings"
)

// Source identifies the platform a link points at.
type Source string

const (
	SourceFacebook  Source = "facebook"
	SourceInstagram Source = "instagram"
	SourceTikTok    Source = "tiktok"
)

// Kind is the resolved attachment type.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

var (
	facebookRe  = regexp.MustCompile(`(?i)https?://(?:www\.|m\.|web\.)?(?:facebook\.com|fb\.watch)/[^\s<>"]+`)
	instagramRe = regexp.MustCompile(`(?i)https?://(?:www\.)?(?:instagram\.com|instagr\.am)/(?:p|reel|tv|reels|share)/[^\s<>"]+`)
	tiktokRe    = regexp.MustCompile(`(?i)https?://(?:(?:www|vt|vm)\.)?tiktok\.com/[^\s<>"]+`)
)

// Link is one detected share URL.
type Link struct {
	URL    string
	Source Source
}

// trailingPunct is punctuation that message text glues onto URLs.
const trailingPunct = ".,!?):;'\""

// DetectLinks returns every share link in text, in order of
// appearance, with duplicates removed.
func DetectLinks(text string) []Link {
	type hit struct {
		pos  int
		link Link
	}
	var hits []hit
	seen := make(map[string]bool)

	for _, d := range []struct {
		re     *regexp.Regexp
		source Source
	}{
		{facebookRe, SourceFacebook},
		{instagramRe, SourceInstagram},
		{tiktokRe, SourceTikTok},
	} {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			url := strings.TrimRight(text[loc[0]:loc[1]], trailingPunct)
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true
			hits = append(hits, hit{pos: loc[0], link: Link{URL: url, Source: d.source}})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	out := make([]Link, len(hits))
	for i, h := range hits {
		out[i] = h.link
	}
	return out
}

// HasLink reports whether text contains at least one share link. It is
// the cheap check handlers run before committing to a resolution.
func HasLink(text string) bool {
	return facebookRe.MatchString(text) ||
		instagramRe.MatchString(text) ||
		tiktokRe.MatchString(text)
}
