package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/devblac/pledge-feed/internal/logging"
	"github.com/devblac/pledge-feed/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

// Feed is the controller surface exposed over HTTP.
type Feed interface {
	Snapshot() feed.Snapshot
	OnScroll(fraction float64) bool
	RequestLoadMore() bool
	Watch() (<-chan struct{}, func())
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ScrollRequest struct {
	Position float64 `json:"position"`
}

// LoadResponse reports whether a load-more started and the resulting snapshot.
type LoadResponse struct {
	Started  bool          `json:"started"`
	Snapshot feed.Snapshot `json:"snapshot"`
}

// Envelope is a client frame on the websocket stream.
type Envelope struct {
	Operation string  `json:"operation"`
	Position  float64 `json:"position,omitempty"`
}

const (
	OpScroll = "scroll"
	OpMore   = "more"
)

// New builds the fiber app serving the feed. m and accessLog may be nil.
func New(f Feed, m *metrics.Metrics, log *slog.Logger, accessLog io.Writer) *fiber.App {
	if log == nil {
		log = logging.Discard()
	}
	app := fiber.New(fiber.Config{
		AppName:               "pledge-feed",
		ReadTimeout:           5 * time.Second,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	if accessLog != nil {
		app.Use(logger.New(logger.Config{Output: accessLog}))
	}

	api := app.Group("/api/feed")
	api.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(f.Snapshot())
	})
	api.Post("/scroll", func(c *fiber.Ctx) error {
		var req ScrollRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid scroll request: " + err.Error()})
		}
		if req.Position < 0 || req.Position > 1 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "position must be in [0, 1]"})
		}
		started := f.OnScroll(req.Position)
		if started {
			m.LoadMore()
		}
		return c.JSON(LoadResponse{Started: started, Snapshot: f.Snapshot()})
	})
	api.Post("/more", func(c *fiber.Ctx) error {
		started := f.RequestLoadMore()
		if started {
			m.LoadMore()
		}
		return c.JSON(LoadResponse{Started: started, Snapshot: f.Snapshot()})
	})

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(StreamHandler(f, m, log)))
	return app
}

// StreamHandler pushes a snapshot on connect and after every change. Client
// frames may request scroll or load-more operations.
func StreamHandler(f Feed, m *metrics.Metrics, log *slog.Logger) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		changed, stop := f.Watch()
		defer stop()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				var env Envelope
				if err := json.Unmarshal(msg, &env); err != nil {
					log.Debug("invalid stream frame", "error", err)
					continue
				}
				switch env.Operation {
				case OpScroll:
					if f.OnScroll(env.Position) {
						m.LoadMore()
					}
				case OpMore:
					if f.RequestLoadMore() {
						m.LoadMore()
					}
				default:
					log.Debug("unknown stream operation", "operation", env.Operation)
				}
			}
		}()

		if err := c.WriteJSON(f.Snapshot()); err != nil {
			return
		}
		for {
			select {
			case <-done:
				return
			case _, ok := <-changed:
				if !ok {
					return
				}
				if err := c.WriteJSON(f.Snapshot()); err != nil {
					return
				}
			}
		}
	}
}
