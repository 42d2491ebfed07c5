// Package hosts builds video host clients from configuration.
package hosts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmcdole/semvid/internal/config"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/hosts/fileshare"
	"github.com/mmcdole/semvid/internal/hosts/owncloud"
	"github.com/mmcdole/semvid/internal/hosts/s3host"
	"github.com/mmcdole/semvid/internal/hosts/semantic"
	"github.com/mmcdole/semvid/internal/hosts/transcode"
	"github.com/mmcdole/semvid/internal/hosts/transport"
)

// New creates the host described by cfg. doer is the bare HTTP executor;
// credentials from cfg are layered on top of it. An empty type is detected
// by probing the URL.
func New(ctx context.Context, cfg config.HostConfig, doer domain.Doer, logger *slog.Logger) (domain.VideoHost, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("host name is required")
	}
	if doer == nil {
		doer = transport.NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("host", cfg.Name)

	hostType := cfg.Type
	if hostType == "" {
		detected, err := DetectHostType(ctx, cfg.URL, authDoer(cfg, doer))
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", cfg.Name, err)
		}
		logger.Info("detected host type", "type", detected)
		hostType = detected
	}

	switch hostType {
	case config.HostTypeFileShare:
		if cfg.URL == "" {
			return nil, fmt.Errorf("host %q: url is required", cfg.Name)
		}
		return fileshare.New(cfg.Name, cfg.URL, authDoer(cfg, doer), logger), nil

	case config.HostTypeOwnCloud:
		if cfg.URL == "" {
			return nil, fmt.Errorf("host %q: url is required", cfg.Name)
		}
		return owncloud.New(cfg.Name, cfg.URL, authDoer(cfg, doer), logger), nil

	case config.HostTypeSemantic:
		if cfg.Token == "" {
			return nil, fmt.Errorf("host %q: semantic servers require a token", cfg.Name)
		}
		return semantic.New(cfg.Name, cfg.URL, authDoer(cfg, doer), logger), nil

	case config.HostTypeTranscode:
		return transcode.New(cfg.Name, cfg.URL, authDoer(cfg, doer), logger), nil

	case config.HostTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("host %q: bucket is required", cfg.Name)
		}
		return s3host.NewFromConfig(ctx, cfg.Name, s3host.Options{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PublicURL: cfg.PublicURL,
			AccessKey: cfg.Username,
			SecretKey: cfg.Password,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown host type: %s", hostType)
	}
}

// NewAll creates every configured host, stopping at the first failure
func NewAll(ctx context.Context, cfgs []config.HostConfig, doer domain.Doer, logger *slog.Logger) ([]domain.VideoHost, error) {
	out := make([]domain.VideoHost, 0, len(cfgs))
	for _, cfg := range cfgs {
		h, err := New(ctx, cfg, doer, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// authDoer wraps doer with the credentials in cfg. A token wins over a
// username.
func authDoer(cfg config.HostConfig, doer domain.Doer) domain.Doer {
	switch {
	case cfg.Token != "":
		return &transport.BearerToken{Doer: doer, Token: cfg.Token}
	case cfg.Username != "":
		return &transport.BasicAuth{Doer: doer, Username: cfg.Username, Password: cfg.Password}
	default:
		return doer
	}
}
