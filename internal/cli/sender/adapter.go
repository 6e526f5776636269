package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/sheerbytes/upflux/internal/adapters/httpadapter"
	"github.com/sheerbytes/upflux/internal/adapters/memadapter"
	"github.com/sheerbytes/upflux/internal/adapters/quicadapter"
	"github.com/sheerbytes/upflux/internal/adapters/s3adapter"
	"github.com/sheerbytes/upflux/internal/adapters/wsadapter"
	"github.com/sheerbytes/upflux/internal/config"
	"github.com/sheerbytes/upflux/internal/transferquic"
	"github.com/sheerbytes/upflux/internal/uploader"
)

// transport is an adapter plus the hooks and cleanup it needs.
type transport struct {
	adapter uploader.Adapter
	hooks   uploader.Hooks
	url     string
	closer  io.Closer
}

func newTransport(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) (transport, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		opts := []httpadapter.Option{httpadapter.WithLogger(logger)}
		if bps := cfg.RateLimit.BytesPerSecond(); bps > 0 {
			opts = append(opts, httpadapter.WithRateLimit(int(bps)))
		}
		return transport{adapter: httpadapter.New(opts...), url: cfg.URL}, nil
	case config.TransportWS:
		return transport{adapter: wsadapter.New(logger), url: cfg.URL}, nil
	case config.TransportQUIC:
		a := quicadapter.New(transferquic.NewDialer(cfg.Insecure, logger), logger)
		return transport{adapter: a, url: cfg.URL, closer: a}, nil
	case config.TransportS3:
		client, err := s3adapter.NewClient(ctx, s3adapter.Config{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return transport{}, err
		}
		a := s3adapter.New(client, cfg.S3.Bucket, cfg.S3.Prefix, logger)
		u := url.URL{Scheme: "s3", Host: cfg.S3.Bucket, Path: "/" + cfg.S3.Prefix}
		return transport{adapter: a, hooks: a.Hooks(), url: u.String()}, nil
	case config.TransportMem:
		return transport{adapter: memadapter.New(), url: "mem://"}, nil
	default:
		return transport{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
