package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"golang.org/x/oauth2"

	"github.com/hupe1980/taskrelay"
	"github.com/hupe1980/taskrelay/config"
	"github.com/hupe1980/taskrelay/dispatcher"
	"github.com/hupe1980/taskrelay/gateway"
	"github.com/hupe1980/taskrelay/logging"
	"github.com/hupe1980/taskrelay/model"
	"github.com/hupe1980/taskrelay/model/anthropic"
	"github.com/hupe1980/taskrelay/model/openai"
	"github.com/hupe1980/taskrelay/tool"
	"github.com/hupe1980/taskrelay/vault"
	"github.com/hupe1980/taskrelay/worker"
)

// app is everything the daemon assembles from its configuration.
type app struct {
	relay   *taskrelay.TaskRelay
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func build(cfg *config.Config, logger logging.Logger) (*app, error) {
	a := &app{}

	store, err := newVault(cfg.Gateway.Vault)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	providers := make([]gateway.Provider, 0, len(cfg.Gateway.Providers))
	for _, p := range cfg.Gateway.Providers {
		providers = append(providers, newProvider(p, cfg.Gateway.RedirectBaseURL))
	}

	gw, err := gateway.New(providers, func(o *gateway.Options) {
		o.StateTTL = cfg.Gateway.StateTTL
		o.AuthorizationTimeout = cfg.Gateway.AuthorizationTimeout
		o.HandleTTL = cfg.Gateway.HandleTTL
		o.SigningKey = []byte(cfg.Gateway.SigningKey)
		o.Vault = store
		o.Logger = logging.With(logger, "component", "gateway")
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("gateway: %w", err)
	}

	tools := builtinTools(cfg.Gateway.Providers)

	regs := make([]dispatcher.Registration, 0, len(cfg.Capabilities))
	for _, capCfg := range cfg.Capabilities {
		reg, err := registration(capCfg, cfg.Worker, tools, gw)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("capability %q: %w", capCfg.Tag, err)
		}
		regs = append(regs, reg)
	}

	relay, err := taskrelay.New(regs, func(o *taskrelay.Options) {
		o.MaxConcurrent = cfg.Dispatcher.MaxConcurrent
		o.Retention = cfg.Dispatcher.Retention
		o.TaskTimeout = cfg.Dispatcher.TaskTimeout
		o.Gateway = gw
		o.Logger = logger
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.relay = relay

	return a, nil
}

func newVault(cfg config.VaultConfig) (vault.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := vault.NewSQLiteStore(cfg.Path, []byte(cfg.Secret))
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		return s, nil
	default:
		return vault.NewMemoryStore(), nil
	}
}

func newProvider(p config.ProviderConfig, redirectBase string) *gateway.OAuth2Provider {
	oc := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
		RedirectURL: strings.TrimRight(redirectBase, "/") + "/oauth/" + p.Name + "/callback",
		Scopes:      p.Scopes,
	}

	return gateway.NewOAuth2Provider(p.Name, oc, func(o *gateway.OAuth2Options) {
		o.AccessTypeOffline = p.Offline
	})
}

func registration(capCfg config.CapabilityConfig, defaults config.WorkerConfig, available map[string]tool.Tool, gw *gateway.Gateway) (dispatcher.Registration, error) {
	selected := make([]tool.Tool, 0, len(capCfg.Tools))
	for _, name := range capCfg.Tools {
		t, ok := available[name]
		if !ok {
			return dispatcher.Registration{}, fmt.Errorf("unknown tool %q", name)
		}
		selected = append(selected, t)
	}

	tools, err := tool.NewRegistry(selected...)
	if err != nil {
		return dispatcher.Registration{}, err
	}

	m, err := newModel(capCfg)
	if err != nil {
		return dispatcher.Registration{}, err
	}

	vars := make(map[string]any, len(capCfg.Vars))
	for k, v := range capCfg.Vars {
		vars[k] = v
	}

	reasoner := worker.NewModelReasoner(m, func(o *worker.ModelReasonerOptions) {
		o.Instructions = capCfg.Instructions
		o.Vars = vars
		o.Tools = tools
	})

	turnTimeout := defaults.TurnTimeout
	if capCfg.TurnTimeout > 0 {
		turnTimeout = capCfg.TurnTimeout
	}

	maxTurns := defaults.MaxTurns
	if capCfg.MaxTurns > 0 {
		maxTurns = capCfg.MaxTurns
	}

	reg := dispatcher.WorkerRegistration(capCfg.Tag, reasoner, func(o *worker.Options) {
		o.Tools = tools
		o.Authorizer = gw
		o.TurnTimeout = turnTimeout
		o.MaxTurns = maxTurns
		o.FailOnToolError = defaults.FailOnToolError
	})
	reg.Description = capCfg.Description

	return reg, nil
}

func newModel(capCfg config.CapabilityConfig) (model.Model, error) {
	mc := capCfg.Model

	switch mc.Provider {
	case "mock":
		return model.NewMockModel(capCfg.Tag), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropicsdk.Model(mc.Name)
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
			if mc.MaxTokens > 0 {
				o.MaxTokens = mc.MaxTokens
			}
			if mc.Temperature != nil {
				o.Temperature = *mc.Temperature
			}
		}), nil
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.Model = mc.Name
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
			if mc.MaxTokens > 0 {
				o.MaxCompletionTokens = mc.MaxTokens
			}
			if mc.Temperature != nil {
				o.Temperature = *mc.Temperature
			}
		}), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", mc.Provider)
	}
}
