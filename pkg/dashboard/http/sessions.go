package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/umiacs/nexus-status/pkg/auth"
	"github.com/umiacs/nexus-status/pkg/store"
	"golang.org/x/sync/singleflight"
)

const clientCookieName = "nexus_client"

// clientContextKey is the key of the client ID in request context.
type clientContextKey struct{}

// sessions holds one auth machine per client. Machines that are not used for
// ttl are closed. Their state stays in the store and a new machine picks it up.
// A machine is published only once Init returns so that concurrent requests of
// the same client never observe a half restored session.
type sessions struct {
	logger *slog.Logger
	cfg    auth.Config
	store  store.Store
	opts   []auth.Option

	inits singleflight.Group
	cache *ttlcache.Cache[string, *auth.Machine]
}

func newSessions(cfg auth.Config, s store.Store, ttl time.Duration, logger *slog.Logger, opts ...auth.Option) *sessions {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *auth.Machine](ttl),
	)

	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *auth.Machine]) {
		logger.Debug("Closing idle session", "client", shortID(item.Key()), "reason", reason)
		item.Value().Close()
	})

	go cache.Start()

	return &sessions{
		logger: logger,
		cfg:    cfg,
		store:  s,
		opts:   opts,
		cache:  cache,
	}
}

// get returns the machine of client creating and initialising it when needed.
func (s *sessions) get(ctx context.Context, client string) (*auth.Machine, error) {
	if item := s.cache.Get(client); item != nil {
		return item.Value(), nil
	}

	// Requests of the same client wait for a single initialisation. It
	// outlives the request that started it.
	ch := s.inits.DoChan(client, func() (any, error) {
		return s.create(context.WithoutCancel(ctx), client)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*auth.Machine), nil
	}
}

// create builds and initialises the machine of client and adds it to cache.
func (s *sessions) create(ctx context.Context, client string) (*auth.Machine, error) {
	if item := s.cache.Get(client); item != nil {
		return item.Value(), nil
	}

	opts := append([]auth.Option{
		auth.WithLogger(s.logger.With("client", shortID(client))),
	}, s.opts...)

	m, err := auth.NewMachine(s.cfg, store.Scope(s.store, client), opts...)
	if err != nil {
		return nil, err
	}

	// OAuth revalidation makes network calls
	if err := m.Init(ctx); err != nil {
		s.logger.Warn("Failed to restore session", "client", shortID(client), "err", err)
	}

	s.cache.Set(client, m, ttlcache.DefaultTTL)

	return m, nil
}

// len returns the number of live machines.
func (s *sessions) len() int {
	return s.cache.Len()
}

// close stops every machine.
func (s *sessions) close() {
	s.cache.Stop()

	for _, item := range s.cache.Items() {
		item.Value().Close()
	}
}

// clientMiddleware identifies the browser with a random ID kept in a cookie.
func (s *Server) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var client string

		if cookie, err := r.Cookie(clientCookieName); err == nil {
			if _, err := uuid.Parse(cookie.Value); err == nil {
				client = cookie.Value
			}
		}

		if client == "" {
			client = uuid.NewString()

			http.SetCookie(w, &http.Cookie{
				Name:     clientCookieName,
				Value:    client,
				Path:     "/",
				MaxAge:   int(s.cookieMaxAge.Seconds()),
				HttpOnly: true,
				Secure:   s.secureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientContextKey{}, client)))
	})
}

// clientID returns the client ID set by clientMiddleware.
func clientID(r *http.Request) string {
	if client, ok := r.Context().Value(clientContextKey{}).(string); ok {
		return client
	}

	return ""
}

func shortID(client string) string {
	if len(client) > 8 {
		return client[:8]
	}

	return client
}
