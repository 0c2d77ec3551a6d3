package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/constants"
	"aistudio2api-go/internal/driver"
	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/logging"
	"aistudio2api-go/internal/runtime"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// newRedisClient connects to the configured Redis. It returns nil when no
// address is set.
func newRedisClient(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, constants.RedisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	log.WithFields(log.Fields{"addr": cfg.Redis.Addr, "db": cfg.Redis.DB}).Info("redis connected")
	return client, nil
}

// bridgeURL is the address a launched worker dials back to.
func bridgeURL(cfg *config.Config) string {
	host := strings.TrimSpace(cfg.Server.Host)
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.WSPort))
}

func listen(host string, port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func newHTTPServer(handler http.Handler, cfg *config.Config) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.HeadersTimeout,
		IdleTimeout:       cfg.Server.KeepAliveTimeout,
	}
}

// serveTask runs srv on ln until the task is stopped, then shuts it down.
func serveTask(srv *http.Server, ln net.Listener) runtime.TaskFunc {
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown %s: %w", ln.Addr(), err)
			}
			return nil
		}
	}
}

// switchState reports whether a credential rotation is replacing the session.
type switchState interface {
	Switching() bool
}

// monitorSessionLoss relaunches the current credential when its session dies
// outside a rotation: either the launcher exits on its own, or its worker
// stays disconnected past the bridge grace period.
func monitorSessionLoss(drv driver.Driver, bridgeLost <-chan struct{}, rotation switchState) runtime.TaskFunc {
	return func(ctx context.Context) error {
		for {
			cause := "session"
			select {
			case <-ctx.Done():
				return nil
			case <-drv.Lost():
			case <-bridgeLost:
				cause = "bridge"
			}
			if rotation.Switching() {
				log.Debug("session ended during a credential switch, not relaunching")
				continue
			}
			idx := drv.CurrentIndex()
			entry := log.WithFields(log.Fields{"auth_index": idx, "cause": cause})
			entry.Warn("worker session lost, relaunching")
			for {
				err := drv.Launch(ctx, idx)
				if err == nil {
					entry.Info("worker session relaunched")
					break
				}
				if ctx.Err() != nil {
					return nil
				}
				entry.WithError(err).Error("relaunch failed, retrying")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(constants.RelaunchBackoff):
				}
			}
		}
	}
}

// reapplyLogging re-runs logging setup when the debug flag or log file
// changes.
func reapplyLogging(initial *config.Config) func(*config.Config) {
	var mu sync.Mutex
	debug, file := initial.Security.Debug, initial.Security.LogFile
	return func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		if cfg.Security.Debug == debug && cfg.Security.LogFile == file {
			return
		}
		debug, file = cfg.Security.Debug, cfg.Security.LogFile
		if err := logging.Setup(cfg); err != nil {
			log.WithError(err).Warn("failed to reapply logging configuration")
			return
		}
		log.WithField("debug", debug).Info("logging reconfigured")
	}
}

// subscribeEventLogs traces hub traffic in debug mode.
func subscribeEventLogs(hub *events.Hub) {
	for _, topic := range []string{
		events.TopicConfigUpdated,
		events.TopicCredentialChanged,
		events.TopicCredentialSwitched,
		events.TopicCircuitChanged,
		events.TopicBridgeConnected,
		events.TopicBridgeDisconnected,
		events.TopicBridgeConnectionLost,
	} {
		hub.Subscribe(topic, func(_ context.Context, evt events.Event) {
			log.WithField("topic", evt.Topic).Debugf("event: %v", evt.Payload)
		})
	}
}
