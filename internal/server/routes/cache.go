package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/imagecache/internal/cache"
	"github.com/any-hub/imagecache/internal/queue"
	"github.com/any-hub/imagecache/internal/version"
)

// CacheService 是诊断接口依赖的缓存能力，*imagecache.Cache 满足该接口。
type CacheService interface {
	Resolve(url string) string
	Request(url string) bool
	RequestTTL(url string, ttlSeconds int64) bool
	Pending() []queue.PendingFetch
	Entries() cache.Entries
	Sweep() ([]string, error)
	Mode() cache.Mode
	Root() string
}

type requestPayload struct {
	URL string `json:"url"`
	TTL *int64 `json:"ttl,omitempty"`
}

type entryPayload struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
	Cached    bool   `json:"cached"`
}

// RegisterCacheRoutes 暴露 /-/cache 诊断接口，便于排查某个 URL 的缓存与下载状态。
func RegisterCacheRoutes(app *fiber.App, svc CacheService) {
	if app == nil || svc == nil {
		return
	}

	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"version": version.Full()})
	})

	app.Get("/-/cache/resolve", func(c fiber.Ctx) error {
		url := strings.TrimSpace(c.Query("url"))
		if url == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		path := svc.Resolve(url)
		if path == "" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_cached", "url": url})
		}
		return c.JSON(fiber.Map{"url": url, "path": path})
	})

	app.Post("/-/cache/request", func(c fiber.Ctx) error {
		var payload requestPayload
		if err := c.Bind().JSON(&payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		payload.URL = strings.TrimSpace(payload.URL)
		if payload.URL == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}

		var started bool
		if payload.TTL != nil {
			started = svc.RequestTTL(payload.URL, *payload.TTL)
		} else {
			started = svc.Request(payload.URL)
		}
		if started {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"url": payload.URL, "started": true})
		}
		return c.JSON(fiber.Map{
			"url":     payload.URL,
			"started": false,
			"path":    svc.Resolve(payload.URL),
		})
	})

	app.Get("/-/cache/pending", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"pending": svc.Pending()})
	})

	app.Get("/-/cache/entries", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"mode":    svc.Mode(),
			"root":    svc.Root(),
			"entries": encodeEntries(svc.Entries(), svc.Resolve),
		})
	})

	app.Post("/-/cache/sweep", func(c fiber.Ctx) error {
		removed, err := svc.Sweep()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if removed == nil {
			removed = []string{}
		}
		return c.JSON(fiber.Map{"removed": removed})
	})
}

func encodeEntries(entries cache.Entries, resolve func(string) string) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for url, expiresAt := range entries {
		result = append(result, entryPayload{
			URL:       url,
			ExpiresAt: expiresAt,
			Cached:    resolve(url) != "",
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].URL < result[j].URL
	})
	return result
}
