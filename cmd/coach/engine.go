package main

import (
	"context"
	"fmt"
	"os"

	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/config"
	"github.com/zhouzirui/stretch-coach/internal/identity"
	"github.com/zhouzirui/stretch-coach/internal/model/profile"
	"github.com/zhouzirui/stretch-coach/internal/service/conversation"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (*identity.Store, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return identity.New(identity.NewMemoryKV()), nil
	case config.StoreRedis:
		host, _ := os.Hostname()
		kv, err := identity.OpenRedis(ctx, cfg.DSN, host)
		if err != nil {
			return nil, fmt.Errorf("open redis identity store: %w", err)
		}
		return identity.New(kv), nil
	default:
		kv, err := identity.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite identity store: %w", err)
		}
		return identity.New(kv), nil
	}
}

func profileProvider(cfg config.StoreConfig) profile.Provider {
	if cfg.ProfileFile == "" {
		return profile.Static(profile.Default())
	}
	return profile.NewFileProvider(cfg.ProfileFile)
}

// newEngine builds a conversation against the configured backend. The
// caller owns closing both the conversation and the store.
func (a *app) newEngine(ctx context.Context) (*conversation.Conversation, *identity.Store, error) {
	api, err := client.New(a.cfg.Client.BaseURL, nil)
	if err != nil {
		return nil, nil, err
	}

	store, err := openStore(ctx, a.cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	conv := conversation.New(conversation.Deps{
		API:      api,
		Store:    store,
		Profiles: profileProvider(a.cfg.Store),
		Log:      a.log,
	}, conversation.Options{
		MinLength:      a.cfg.Engine.MinMessageLength,
		ConnectTimeout: a.cfg.Client.ConnectTimeout,
		RevealInterval: a.cfg.Engine.RevealInterval,
		RevealChunk:    a.cfg.Engine.RevealChunk,
		DedupWindow:    a.cfg.Engine.DedupWindow,
	})
	return conv, store, nil
}
