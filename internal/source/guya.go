package source

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"mangabot/internal/apperr"
	"mangabot/internal/model"
)

// Guya polls a Guya-compatible reader site. Item ids are series slugs.
// The same implementation serves every site in the family.
type Guya struct {
	name     string
	apiURL   string
	siteURL  string
	urlRegex *regexp.Regexp
	client   HTTPClient
}

// NewGuya creates a provider for one Guya-compatible site. urlPattern must
// capture the series slug (or wildcard) as its first group.
func NewGuya(client HTTPClient, name, apiURL, siteURL, urlPattern string) *Guya {
	return &Guya{
		name:     name,
		apiURL:   apiURL,
		siteURL:  siteURL,
		urlRegex: regexp.MustCompile(urlPattern),
		client:   client,
	}
}

// GuyaFamily returns providers for the known Guya-compatible sites.
func GuyaFamily(client HTTPClient) []*Guya {
	return []*Guya{
		NewGuya(client, "guya.moe", "https://guya.moe/api", "https://guya.moe",
			`(?i)^https://guya\.(?:cubari\.)?moe/read/manga/([\w-]+|\*)`),
		NewGuya(client, "danke.moe", "https://danke.moe/api", "https://danke.moe",
			`(?i)^https://danke\.moe/read/manga/([\w-]+|\*)`),
		NewGuya(client, "mahoushoujobu.com", "https://mahoushoujobu.com/api", "https://mahoushoujobu.com",
			`(?i)^https://(?:www\.)?mahoushoujobu\.com/read/manga/([\w-]+|\*)`),
		NewGuya(client, "hachirumi.com", "https://hachirumi.com/api", "https://hachirumi.com",
			`(?i)^https://(?:www\.)?hachirumi\.com/read/manga/([\w-]+|\*)`),
	}
}

// Name implements Provider.
func (g *Guya) Name() string { return g.name }

// MatchURL implements Provider.
func (g *Guya) MatchURL(u string) bool { return g.urlRegex.MatchString(u) }

// Resolve implements Provider.
func (g *Guya) Resolve(ctx context.Context, rawURL string) (string, error) {
	match := g.urlRegex.FindStringSubmatch(rawURL)
	if match == nil {
		return "", apperr.Newf(apperr.CodeSourceNotFound, "not a %s URL", g.name)
	}
	slug := match[1]
	if slug == model.WildcardItemID {
		return slug, nil
	}
	var series guyaSeries
	if err := getJSON(ctx, g.client, g.apiURL+"/series/"+slug, &series); err != nil {
		if isNotFound(err) {
			return "", apperr.Newf(apperr.CodeSourceNotFound, "series %s", slug)
		}
		return "", fmt.Errorf("resolve %s: %w", slug, err)
	}
	return slug, nil
}

// Validate implements Provider. Guya entries carry no customization.
func (g *Guya) Validate(_ *model.TrackedEntry, config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	return apperr.Newf(apperr.CodeInvalidConfig, "%s entries do not support customization", g.name)
}

type guyaChapter struct {
	Title       string              `json:"title"`
	Folder      string              `json:"folder"`
	Groups      map[string][]string `json:"groups"`
	ReleaseDate map[string]int64    `json:"release_date"`
}

type guyaSeries struct {
	Title         string                 `json:"title"`
	Slug          string                 `json:"slug"`
	PreferredSort []string               `json:"preferred_sort"`
	Chapters      map[string]guyaChapter `json:"chapters"`
}

type guyaAllSeriesEntry struct {
	Slug        string `json:"slug"`
	LastUpdated int64  `json:"last_updated"`
}

// preferredRelease picks the pages and release time of the preferred group
// for a chapter, falling back to the lowest group key.
func preferredRelease(ch guyaChapter, preferred []string) (pages []string, releasedAt int64, groupID string) {
	for _, group := range preferred {
		if ts, ok := ch.ReleaseDate[group]; ok {
			return ch.Groups[group], ts, group
		}
	}
	keys := make([]string, 0, len(ch.Groups))
	for k := range ch.Groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil, 0, ""
	}
	first := keys[0]
	return ch.Groups[first], ch.ReleaseDate[first], first
}

// Poll implements Provider.
func (g *Guya) Poll(ctx context.Context, since time.Time, tracked map[string][]*model.TrackedEntry) ([]model.UpdateEvent, error) {
	sinceUnix := since.Unix()

	slugs := make(map[string][]*model.TrackedEntry, len(tracked))
	for slug, entries := range tracked {
		slugs[slug] = entries
	}
	if star, ok := slugs[model.WildcardItemID]; ok {
		delete(slugs, model.WildcardItemID)
		var all map[string]guyaAllSeriesEntry
		if err := getJSON(ctx, g.client, g.apiURL+"/get_all_series", &all); err != nil {
			return nil, fmt.Errorf("get all series: %w", err)
		}
		for _, item := range all {
			if item.LastUpdated > sinceUnix {
				slugs[item.Slug] = append(slugs[item.Slug], star...)
			}
		}
	}

	var events []model.UpdateEvent
	for slug, entries := range slugs {
		var series guyaSeries
		if err := getJSON(ctx, g.client, g.apiURL+"/series/"+slug, &series); err != nil {
			return nil, fmt.Errorf("series %s: %w", slug, err)
		}
		for chapterNum, ch := range series.Chapters {
			pages, releasedAt, groupID := preferredRelease(ch, series.PreferredSort)
			if releasedAt < sinceUnix {
				continue
			}
			title := fmt.Sprintf("%s Chapter %s", series.Title, chapterNum)
			embed := &model.Embed{
				Title: "New chapter released! " + title,
				URL:   fmt.Sprintf("%s/read/manga/%s/%s", g.siteURL, slug, chapterNum),
				Time:  time.Unix(releasedAt, 0).UTC(),
			}
			if ch.Title != "" {
				embed.Title += ": " + ch.Title
			}
			if len(pages) > 0 {
				embed.ImageURL = fmt.Sprintf("%s/media/manga/%s/chapters/%s/%s/%s",
					g.siteURL, slug, ch.Folder, groupID, pages[0])
			}
			for _, entry := range entries {
				events = append(events, model.UpdateEvent{Entry: entry, Title: title, Embed: embed})
			}
		}
	}
	return events, nil
}
