package shapes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/models"
)

const sessionCookieName = "shapes_session"

// Fetcher pulls a personality's full data set from the external service.
// Session returns the current cookie value, which the service rotates on
// every response; callers must persist it before returning.
type Fetcher interface {
	FetchAll(ctx context.Context, slug string) (*models.ShapesData, error)
	Session() string
}

// FetcherFactory builds a fetcher bound to one decrypted session.
type FetcherFactory func(session string) Fetcher

// HTTPFetcher is the cookie-session scraping client.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	converter  *md.Converter
	logger     arbor.ILogger

	mu      sync.Mutex
	session string
}

// NewFetcherFactory returns a factory wired to the configured base URL,
// timeout, and rate limit.
func NewFetcherFactory(cfg *common.Config, logger arbor.ILogger) FetcherFactory {
	return func(session string) Fetcher {
		rps := cfg.Shapes.RequestsPerSec
		if rps <= 0 {
			rps = 1
		}
		return &HTTPFetcher{
			baseURL: strings.TrimRight(cfg.Shapes.BaseURL, "/"),
			httpClient: &http.Client{
				Timeout: common.Duration(cfg.Shapes.FetchTimeout),
			},
			limiter:   rate.NewLimiter(rate.Limit(rps), 1),
			converter: md.NewConverter("", true, nil),
			logger:    logger,
			session:   session,
		}
	}
}

// Session returns the most recently rotated cookie value.
func (f *HTTPFetcher) Session() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

// FetchAll pulls the config page, paged memories, stories, and user
// personalization for one slug.
func (f *HTTPFetcher) FetchAll(ctx context.Context, slug string) (*models.ShapesData, error) {
	config, err := f.fetchConfig(ctx, slug)
	if err != nil {
		return nil, err
	}

	memories, err := f.fetchMemories(ctx, slug)
	if err != nil {
		return nil, err
	}

	stories, err := f.fetchStories(ctx, slug)
	if err != nil {
		return nil, err
	}

	personalization, err := f.fetchPersonalization(ctx, slug)
	if err != nil {
		return nil, err
	}

	return &models.ShapesData{
		Config:              *config,
		Memories:            memories,
		Stories:             stories,
		UserPersonalization: personalization,
	}, nil
}

func (f *HTTPFetcher) fetchConfig(ctx context.Context, slug string) (*models.ShapesConfig, error) {
	doc, err := f.getPage(ctx, fmt.Sprintf("/personalities/%s", slug), slug)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(doc.Find("[data-field=name]").First().Text())
	if name == "" {
		return nil, &MappingError{Page: "config", Reason: "missing personality name"}
	}

	promptHTML, _ := doc.Find("[data-field=system-prompt]").First().Html()
	systemPrompt, err := f.converter.ConvertString(promptHTML)
	if err != nil {
		systemPrompt = strings.TrimSpace(doc.Find("[data-field=system-prompt]").First().Text())
	}

	return &models.ShapesConfig{
		Slug:         slug,
		Name:         name,
		Model:        strings.TrimSpace(doc.Find("[data-field=model]").First().Text()),
		VisionModel:  strings.TrimSpace(doc.Find("[data-field=vision-model]").First().Text()),
		SystemPrompt: strings.TrimSpace(systemPrompt),
		ErrorMessage: strings.TrimSpace(doc.Find("[data-field=error-message]").First().Text()),
		AvatarURL:    doc.Find("[data-field=avatar] img").First().AttrOr("src", ""),
	}, nil
}

func (f *HTTPFetcher) fetchMemories(ctx context.Context, slug string) ([]models.ShapesMemory, error) {
	var memories []models.ShapesMemory
	for page := 1; ; page++ {
		doc, err := f.getPage(ctx, fmt.Sprintf("/personalities/%s/memories?page=%d", slug, page), slug)
		if err != nil {
			return nil, err
		}

		entries := doc.Find(".memory-entry")
		if entries.Length() == 0 {
			break
		}
		entries.Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Find(".memory-text").Text())
			if text == "" {
				return
			}
			mem := models.ShapesMemory{Text: text}
			if ts := s.Find(".memory-date").AttrOr("datetime", ""); ts != "" {
				if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
					mem.CreatedAt = parsed
				}
			}
			memories = append(memories, mem)
		})

		if doc.Find(".pagination .next:not(.disabled)").Length() == 0 {
			break
		}
	}
	return memories, nil
}

func (f *HTTPFetcher) fetchStories(ctx context.Context, slug string) ([]models.ShapesStory, error) {
	doc, err := f.getPage(ctx, fmt.Sprintf("/personalities/%s/stories", slug), slug)
	if err != nil {
		return nil, err
	}

	var stories []models.ShapesStory
	doc.Find(".story").Each(func(_ int, s *goquery.Selection) {
		bodyHTML, _ := s.Find(".story-body").Html()
		body, convErr := f.converter.ConvertString(bodyHTML)
		if convErr != nil {
			body = s.Find(".story-body").Text()
		}
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		stories = append(stories, models.ShapesStory{
			Title: strings.TrimSpace(s.Find(".story-title").Text()),
			Body:  body,
		})
	})
	return stories, nil
}

func (f *HTTPFetcher) fetchPersonalization(ctx context.Context, slug string) (map[string]string, error) {
	doc, err := f.getPage(ctx, fmt.Sprintf("/personalities/%s/user", slug), slug)
	if err != nil {
		return nil, err
	}

	personalization := map[string]string{}
	doc.Find(".personalization-row").Each(func(_ int, s *goquery.Selection) {
		key := strings.TrimSpace(s.Find(".key").Text())
		value := strings.TrimSpace(s.Find(".value").Text())
		if key != "" {
			personalization[key] = value
		}
	})
	return personalization, nil
}

// getPage performs one rate-limited fetch, captures the rotated session
// cookie, and classifies HTTP failures into the retryable taxonomy.
func (f *HTTPFetcher) getPage(ctx context.Context, path, slug string) (*goquery.Document, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: f.Session()})

	f.logger.Debug().
		Str("path", path).
		Msg("Shapes page fetch")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &ServerError{StatusCode: 0, Page: path}
	}
	defer resp.Body.Close()

	f.captureRotatedSession(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Page: path}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Reason: fmt.Sprintf("status %d on %s", resp.StatusCode, path)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Slug: slug}
	case resp.StatusCode >= 500:
		return nil, &ServerError{StatusCode: resp.StatusCode, Page: path}
	default:
		return nil, &MappingError{Page: path, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &MappingError{Page: path, Reason: err.Error()}
	}
	return doc, nil
}

func (f *HTTPFetcher) captureRotatedSession(resp *http.Response) {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName && cookie.Value != "" {
			f.mu.Lock()
			f.session = cookie.Value
			f.mu.Unlock()
			return
		}
	}
}
