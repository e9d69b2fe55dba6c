package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"kcopilot/backend/internal/config"
)

const consumerChannel = "backend"

// StartConsumers subscribes the sync and single-document consumers. Stop the
// returned consumers on shutdown.
func (a *App) StartConsumers(cfg *config.Config, logger *slog.Logger) ([]*nsq.Consumer, error) {
	subs := []struct {
		topic       string
		handler     nsq.Handler
		maxInFlight int
		msgTimeout  time.Duration
	}{
		// A sync run can take a long time; the handler touches the message.
		{config.TopicSyncRequest, a.SyncConsumer, 1, 5 * time.Minute},
		{config.TopicIngestDocument, a.DocumentConsumer, cfg.SyncConcurrency, 2 * time.Minute},
	}

	var started []*nsq.Consumer
	for _, s := range subs {
		nsqCfg := nsq.NewConfig()
		nsqCfg.MaxInFlight = s.maxInFlight
		nsqCfg.MsgTimeout = s.msgTimeout

		c, err := nsq.NewConsumer(s.topic, consumerChannel, nsqCfg)
		if err != nil {
			stopAll(started)
			return nil, fmt.Errorf("nsq consumer %s: %w", s.topic, err)
		}
		c.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn), nsq.LogLevelWarning)
		c.AddHandler(s.handler)

		if cfg.NSQLookupd != "" {
			err = c.ConnectToNSQLookupd(cfg.NSQLookupd)
		} else {
			err = c.ConnectToNSQD(cfg.NSQDHost)
		}
		if err != nil {
			c.Stop()
			stopAll(started)
			return nil, fmt.Errorf("connect consumer %s: %w", s.topic, err)
		}
		logger.Info("NSQ consumer connected", "topic", s.topic, "channel", consumerChannel)
		started = append(started, c)
	}
	return started, nil
}

func stopAll(cs []*nsq.Consumer) {
	for _, c := range cs {
		c.Stop()
		<-c.StopChan
	}
}
