package config

import (
	"net/http"

	"github.com/dgnsrekt/livefeed/internal/batch"
	"github.com/dgnsrekt/livefeed/internal/connection"
	"github.com/dgnsrekt/livefeed/internal/notify"
	"github.com/dgnsrekt/livefeed/internal/pipeline"
	"github.com/dgnsrekt/livefeed/internal/status"
	"github.com/dgnsrekt/livefeed/internal/throttle"
	"github.com/dgnsrekt/livefeed/internal/window"
)

func (c *Config) ConnectionConfig() connection.Config {
	s := c.Connection
	var header http.Header
	if len(s.Headers) > 0 {
		header = make(http.Header, len(s.Headers))
		for k, v := range s.Headers {
			header.Set(k, v)
		}
	}
	subprotocols := s.Subprotocols
	if len(subprotocols) == 0 {
		subprotocols = DefaultSubprotocols
	}
	return connection.Config{
		URL:               s.URL,
		Header:            header,
		Subprotocols:      subprotocols,
		HeartbeatInterval: s.HeartbeatInterval,
		PongTimeout:       s.PongTimeout,
		DialTimeout:       s.DialTimeout,
		WriteTimeout:      s.WriteTimeout,
		BaseDelay:         s.BaseDelay,
		MaxDelay:          s.MaxDelay,
		MaxAttempts:       s.MaxAttempts,
		JitterRatio:       s.JitterRatio,
		SendRate:          s.SendRate,
		SendBurst:         s.SendBurst,
	}
}

func (c *Config) ThrottleConfig() throttle.Config {
	s := c.Throttle
	patterns := s.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return throttle.Config{
		Interval:       s.Interval,
		FlushInterval:  s.FlushInterval,
		ShouldThrottle: throttle.MatchKinds(patterns),
		Dedup:          s.Dedup,
		DedupTTL:       s.DedupTTL,
		DedupCapacity:  s.DedupCapacity,
	}
}

func (c *Config) BatchConfig() batch.Config {
	return batch.Config{
		TickInterval: c.Batch.TickInterval,
		MaxBatchSize: c.Batch.MaxBatchSize,
	}
}

func (c *Config) WindowConfig() window.Config {
	return window.Config{
		ItemExtent:     c.Window.ItemExtent,
		Overscan:       c.Window.Overscan,
		VisibleExtent:  c.Window.VisibleExtent,
		ScrollCoalesce: c.Window.ScrollCoalesce,
	}
}

func (c *Config) StatusConfig() status.Config {
	return status.Config{
		Addr:            c.Status.Addr,
		ReadTimeout:     c.Status.ReadTimeout,
		WriteTimeout:    c.Status.WriteTimeout,
		ShutdownTimeout: c.Status.ShutdownTimeout,
	}
}

func (c *Config) NotifyConfig() notify.Config {
	return notify.Config{
		Enabled:  c.Notify.Enabled,
		Server:   c.Notify.Server,
		Topic:    c.Notify.Topic,
		Priority: c.Notify.Priority,
		Tags:     c.Notify.Tags,
		Token:    c.Notify.Token,
	}
}

// PipelineConfig bundles every component's configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Connection: c.ConnectionConfig(),
		Throttle:   c.ThrottleConfig(),
		Batch:      c.BatchConfig(),
		Window:     c.WindowConfig(),
	}
}
