// Package greeter is a minimal REST module: one config section, one route.
package greeter

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/modhost"
)

const ModuleName = "greeter"

type Config struct {
	Greeting string `json:"greeting" yaml:"greeting"`
}

type Module struct {
	logger modhost.Logger
	cfg    Config
}

func New() *Module { return &Module{} }

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(ctx *modhost.ModuleContext) error {
	m.logger = ctx.Logger()
	if err := ctx.Config(&m.cfg); err != nil {
		return err
	}
	if m.cfg.Greeting == "" {
		m.cfg.Greeting = "hello"
	}
	return nil
}

func (m *Module) RegisterRoutes(_ *modhost.ModuleContext, r chi.Router, api *modhost.APIRegistry) error {
	r.Get("/greetings/{name}", m.handleGreet)
	api.Add(modhost.APIRoute{
		Module:      ModuleName,
		Method:      http.MethodGet,
		Pattern:     "/greetings/{name}",
		Description: "greet by name",
	})
	return nil
}

func (m *Module) handleGreet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"greeting": m.cfg.Greeting + ", " + name})
}
