package tracker

import (
	"net/http"

	"github.com/snehjoshi/dispatchq/internal/config"
	"github.com/snehjoshi/dispatchq/internal/modules/patch"
	"github.com/snehjoshi/dispatchq/internal/modules/trace"
	"github.com/snehjoshi/dispatchq/internal/modules/visitor"
	"github.com/snehjoshi/dispatchq/internal/modules/webhook"
	"github.com/snehjoshi/dispatchq/internal/pipeline"
)

// BuiltinFactories returns the factories of the bundled modules. Every
// webhook in cfg becomes an enforced webhook dispatcher. client may be nil.
func BuiltinFactories(cfg *config.Config, client *http.Client) []pipeline.ModuleFactory {
	hookOpts := []webhook.FactoryOption{webhook.WithHTTPClient(client)}
	if cfg != nil {
		for _, w := range cfg.Webhooks {
			hookOpts = append(hookOpts, webhook.WithEndpoint(w.ID, webhook.Configuration{
				URL:           w.URL,
				Secret:        w.Secret,
				DispatchLimit: w.DispatchLimit,
				TimeoutMillis: w.TimeoutMs,
				Headers:       w.Headers,
			}))
		}
	}
	return []pipeline.ModuleFactory{
		visitor.NewFactory(),
		trace.NewFactory(nil),
		patch.NewFactory(),
		webhook.NewFactory(hookOpts...),
	}
}
