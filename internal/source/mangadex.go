package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"mangabot/internal/apperr"
	"mangabot/internal/model"
)

const mangadexPageSize = 100

var mangadexURLRe = regexp.MustCompile(
	`^https?://mangadex\.org/(title|user|group|manga|author)/` +
		`([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|\*)`)

// MangaDexConfig is the per-entry customization for the MangaDex source.
// A nil config means no filtering.
type MangaDexConfig struct {
	Languages                []string `json:"languages"`
	WhitelistedGroups        []string `json:"whitelisted_groups"`
	BlacklistedGroups        []string `json:"blacklisted_groups"`
	WhitelistedUsers         []string `json:"whitelisted_users"`
	BlacklistedUsers         []string `json:"blacklisted_users"`
	WhitelistedContentRating []string `json:"whitelisted_content_ratings"`
	BlacklistedContentRating []string `json:"blacklisted_content_ratings"`
	WhitelistedTags          []string `json:"whitelisted_tags"`
	BlacklistedTags          []string `json:"blacklisted_tags"`
	WhitelistedMangas        []string `json:"whitelisted_mangas"`
	BlacklistedMangas        []string `json:"blacklisted_mangas"`
	ExternalLinks            bool     `json:"external_links"`
}

// DefaultMangaDexConfig returns the customization applied to new entries.
func DefaultMangaDexConfig() MangaDexConfig {
	return MangaDexConfig{Languages: []string{"en"}}
}

// MangaDex polls the MangaDex chapter feed. Item ids are resource-typed:
// "manga:<uuid>", "author:<uuid>", "user:<uuid>", "group:<uuid>" or "*:*".
type MangaDex struct {
	client  HTTPClient
	baseURL string
	siteURL string
}

// NewMangaDex creates a MangaDex provider against baseURL
// (normally https://api.mangadex.org).
func NewMangaDex(client HTTPClient, baseURL string) *MangaDex {
	return &MangaDex{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		siteURL: "https://mangadex.org",
	}
}

// Name implements Provider.
func (m *MangaDex) Name() string { return "mangadex" }

// MatchURL implements Provider.
func (m *MangaDex) MatchURL(u string) bool { return mangadexURLRe.MatchString(u) }

func resourceEndpoint(resourceType string) (string, error) {
	switch resourceType {
	case "manga":
		return "/manga/", nil
	case "author", "artist":
		return "/author/", nil
	case "group":
		return "/group/", nil
	case "user":
		return "/user/", nil
	default:
		return "", fmt.Errorf("unknown resource type %q", resourceType)
	}
}

// Resolve implements Provider.
func (m *MangaDex) Resolve(ctx context.Context, rawURL string) (string, error) {
	match := mangadexURLRe.FindStringSubmatch(rawURL)
	if match == nil {
		return "", apperr.Newf(apperr.CodeSourceNotFound, "not a MangaDex URL")
	}
	resourceType := match[1]
	if resourceType == "title" {
		resourceType = "manga"
	}
	resourceID := match[2]
	if resourceID == model.WildcardItemID {
		return "*:*", nil
	}

	endpoint, err := resourceEndpoint(resourceType)
	if err != nil {
		return "", err
	}
	var resp struct {
		Result string `json:"result"`
	}
	if err := getJSON(ctx, m.client, m.baseURL+endpoint+resourceID, &resp); err != nil {
		if isNotFound(err) {
			return "", apperr.Newf(apperr.CodeSourceNotFound, "%s %s", resourceType, resourceID)
		}
		return "", fmt.Errorf("resolve %s: %w", resourceID, err)
	}
	return resourceType + ":" + resourceID, nil
}

// Validate implements Provider.
func (m *MangaDex) Validate(_ *model.TrackedEntry, config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(config)))
	dec.DisallowUnknownFields()
	var cfg MangaDexConfig
	if err := dec.Decode(&cfg); err != nil {
		return apperr.Newf(apperr.CodeInvalidConfig, "%v", err)
	}
	return nil
}

type mdRelationship struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
}

type mdMangaAttributes struct {
	Title         map[string]string `json:"title"`
	ContentRating string            `json:"contentRating"`
	Tags          []struct {
		ID string `json:"id"`
	} `json:"tags"`
}

type mdChapter struct {
	ID         string `json:"id"`
	Attributes struct {
		Title              string `json:"title"`
		Chapter            string `json:"chapter"`
		TranslatedLanguage string `json:"translatedLanguage"`
		ExternalURL        string `json:"externalUrl"`
		CreatedAt          string `json:"createdAt"`
	} `json:"attributes"`
	Relationships []mdRelationship `json:"relationships"`
}

type mdChapterList struct {
	Data []mdChapter `json:"data"`
}

// chapterView is one chapter flattened for routing and filtering.
type chapterView struct {
	id            string
	title         string
	chapter       string
	language      string
	externalURL   string
	createdAt     time.Time
	mangaID       string
	mangaTitle    string
	contentRating string
	tags          []string
	groups        []string
	uploader      string
}

func flattenChapter(ch mdChapter) chapterView {
	v := chapterView{
		id:          ch.ID,
		title:       ch.Attributes.Title,
		chapter:     ch.Attributes.Chapter,
		language:    ch.Attributes.TranslatedLanguage,
		externalURL: ch.Attributes.ExternalURL,
	}
	v.createdAt, _ = time.Parse(time.RFC3339, ch.Attributes.CreatedAt)
	for _, rel := range ch.Relationships {
		switch rel.Type {
		case "manga":
			v.mangaID = rel.ID
			if len(rel.Attributes) > 0 {
				var attrs mdMangaAttributes
				if err := json.Unmarshal(rel.Attributes, &attrs); err == nil {
					v.mangaTitle = pickTitle(attrs.Title)
					v.contentRating = attrs.ContentRating
					for _, tag := range attrs.Tags {
						v.tags = append(v.tags, tag.ID)
					}
				}
			}
		case "scanlation_group":
			v.groups = append(v.groups, rel.ID)
		case "user":
			v.uploader = rel.ID
		}
	}
	return v
}

func pickTitle(titles map[string]string) string {
	if t, ok := titles["en"]; ok {
		return t
	}
	for _, t := range titles {
		return t
	}
	return ""
}

// threadTitle builds the thread name, clipped to the 100-character limit.
func (v chapterView) threadTitle() string {
	label := v.chapter
	if label == "" {
		label = v.title
	}
	if label == "" {
		label = "Oneshot"
	}
	suffix := " Chapter " + label
	title := v.mangaTitle
	if len(title)+len(suffix) > 100 {
		title = title[:100-len(suffix)-1] + "…"
	}
	return title + suffix
}

// Poll implements Provider.
func (m *MangaDex) Poll(ctx context.Context, since time.Time, tracked map[string][]*model.TrackedEntry) ([]model.UpdateEvent, error) {
	// Route tracked ids by resource type once up front.
	byType := make(map[string]map[string][]*model.TrackedEntry)
	for key, entries := range tracked {
		resourceType, resourceID, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		if resourceID == model.WildcardItemID {
			resourceType = model.WildcardItemID
		}
		if byType[resourceType] == nil {
			byType[resourceType] = make(map[string][]*model.TrackedEntry)
		}
		byType[resourceType][resourceID] = append(byType[resourceType][resourceID], entries...)
	}

	authors := newMangaAuthorCache(m.client, m.baseURL)
	var events []model.UpdateEvent
	cursor := since
	for {
		page, err := m.chapterPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, ch := range page {
			v := flattenChapter(ch)
			events = append(events, m.routeChapter(ctx, v, byType, authors)...)
		}
		last := flattenChapter(page[len(page)-1])
		if last.createdAt.IsZero() {
			break
		}
		cursor = last.createdAt.Add(time.Second)
	}
	return events, nil
}

func (m *MangaDex) chapterPage(ctx context.Context, since time.Time) ([]mdChapter, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(mangadexPageSize))
	q.Set("createdAtSince", since.UTC().Format("2006-01-02T15:04:05"))
	q.Set("order[createdAt]", "asc")
	q.Set("includeFutureUpdates", "0")
	q.Add("includes[]", "manga")
	q.Add("includes[]", "scanlation_group")
	q.Add("includes[]", "user")
	for _, rating := range []string{"safe", "suggestive", "erotica", "pornographic"} {
		q.Add("contentRating[]", rating)
	}

	var list mdChapterList
	if err := getJSON(ctx, m.client, m.baseURL+"/chapter?"+q.Encode(), &list); err != nil {
		return nil, fmt.Errorf("chapter feed: %w", err)
	}
	return list.Data, nil
}

func (m *MangaDex) routeChapter(ctx context.Context, v chapterView, byType map[string]map[string][]*model.TrackedEntry, authors *mangaAuthorCache) []model.UpdateEvent {
	title := v.threadTitle()
	link := m.siteURL + "/chapter/" + v.id
	var events []model.UpdateEvent

	emit := func(entries []*model.TrackedEntry) {
		for _, entry := range entries {
			if m.chapterPassesConfig(v, entry) {
				events = append(events, model.UpdateEvent{Entry: entry, Title: title, Message: link})
			}
		}
	}

	emit(byType[model.WildcardItemID][model.WildcardItemID])
	if v.mangaID != "" {
		emit(byType["manga"][v.mangaID])
		if tracked := byType["author"]; len(tracked) > 0 {
			for _, author := range authors.get(ctx, v.mangaID) {
				emit(tracked[author])
			}
		}
	}
	if v.uploader != "" {
		emit(byType["user"][v.uploader])
	}
	for _, group := range v.groups {
		emit(byType["group"][group])
	}
	return events
}

// chapterPassesConfig applies the entry's customization filter.
func (m *MangaDex) chapterPassesConfig(v chapterView, entry *model.TrackedEntry) bool {
	if len(entry.ExtraConfig) == 0 {
		return true
	}
	cfg := DefaultMangaDexConfig()
	if err := json.Unmarshal(entry.ExtraConfig, &cfg); err != nil {
		return true
	}

	if !cfg.ExternalLinks && v.externalURL != "" {
		return false
	}
	if len(cfg.Languages) > 0 && !contains(cfg.Languages, v.language) && !contains(cfg.Languages, "*") {
		return false
	}
	if len(cfg.WhitelistedGroups) > 0 {
		if len(v.groups) == 0 {
			if !contains(cfg.WhitelistedGroups, "no group") {
				return false
			}
		} else if !containsAny(cfg.WhitelistedGroups, v.groups) {
			return false
		}
	}
	if len(cfg.BlacklistedGroups) > 0 {
		if len(v.groups) == 0 {
			if contains(cfg.BlacklistedGroups, "no group") {
				return false
			}
		} else if containsAny(cfg.BlacklistedGroups, v.groups) {
			return false
		}
	}

	resourceType, _, _ := strings.Cut(entry.ItemID, ":")
	if resourceType != "user" {
		if len(cfg.WhitelistedUsers) > 0 && !contains(cfg.WhitelistedUsers, v.uploader) {
			return false
		}
		if contains(cfg.BlacklistedUsers, v.uploader) {
			return false
		}
	}
	if resourceType != "manga" {
		if len(cfg.WhitelistedContentRating) > 0 && !contains(cfg.WhitelistedContentRating, v.contentRating) {
			return false
		}
		if contains(cfg.BlacklistedContentRating, v.contentRating) {
			return false
		}
		if len(cfg.WhitelistedTags) > 0 && !containsAny(cfg.WhitelistedTags, v.tags) {
			return false
		}
		if containsAny(cfg.BlacklistedTags, v.tags) {
			return false
		}
		if len(cfg.WhitelistedMangas) > 0 && !contains(cfg.WhitelistedMangas, v.mangaID) {
			return false
		}
		if contains(cfg.BlacklistedMangas, v.mangaID) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsAny(list, values []string) bool {
	for _, v := range values {
		if contains(list, v) {
			return true
		}
	}
	return false
}

// mangaAuthorCache resolves manga → author/artist ids, one lookup per manga
// per poll. It is scoped to a single Poll call and never shared.
type mangaAuthorCache struct {
	client  HTTPClient
	baseURL string
	cache   map[string][]string
}

func newMangaAuthorCache(client HTTPClient, baseURL string) *mangaAuthorCache {
	return &mangaAuthorCache{client: client, baseURL: baseURL, cache: make(map[string][]string)}
}

func (c *mangaAuthorCache) get(ctx context.Context, mangaID string) []string {
	if cached, ok := c.cache[mangaID]; ok {
		return cached
	}
	var resp struct {
		Data struct {
			Relationships []mdRelationship `json:"relationships"`
		} `json:"data"`
	}
	var authors []string
	if err := getJSON(ctx, c.client, c.baseURL+"/manga/"+mangaID, &resp); err == nil {
		seen := make(map[string]bool)
		for _, rel := range resp.Data.Relationships {
			if (rel.Type == "author" || rel.Type == "artist") && !seen[rel.ID] {
				seen[rel.ID] = true
				authors = append(authors, rel.ID)
			}
		}
	}
	c.cache[mangaID] = authors
	return authors
}
