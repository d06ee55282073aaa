package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v5"
	"gopkg.in/yaml.v3"

	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/registry"
)

func (s *Server) readyzHandler(c *echo.Context) error {
	return c.String(http.StatusOK, "ready")
}

func (s *Server) livezHandler(c *echo.Context) error {
	return c.String(http.StatusOK, "alive")
}

// agentView is the operator-facing JSON projection of a registry.Agent:
// the same field set the registry persists, reshaped here rather than
// imported since the persisted form is unexported to the registry
// package.
type agentView struct {
	ID        ids.AgentID         `json:"id"`
	Mode      string              `json:"mode"`
	Labels    []string            `json:"labels"`
	Addrs     agentstateAddrsView `json:"addrs"`
	Connected bool                `json:"connected"`
	Claim     string              `json:"claim"`
	Current   any                 `json:"current_state"`
	Target    any                 `json:"target_state"`
}

type agentstateAddrsView struct {
	External string   `json:"external,omitempty"`
	Internal []string `json:"internal"`
}

func newAgentView(a registry.Agent) agentView {
	labels := make([]string, 0, len(a.Flags.Labels))
	for l := range a.Flags.Labels {
		labels = append(labels, string(l))
	}
	return agentView{
		ID:        a.ID,
		Mode:      string(a.Flags.Mode),
		Labels:    labels,
		Addrs:     agentstateAddrsView{External: a.Addrs.External, Internal: a.Addrs.Internal},
		Connected: a.Liveness.Kind == registry.LivenessConnected,
		Claim:     string(a.Claim.Kind),
		Current:   a.Current,
		Target:    a.Target,
	}
}

func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents := s.ctrl.Registry.List(registry.Filter{})
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, newAgentView(a))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getAgentHandler(c *echo.Context) error {
	id := ids.AgentID(c.Param("id"))
	a, err := s.ctrl.Registry.Snapshot(id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newAgentView(a))
}

func (s *Server) tpsHandler(c *echo.Context) error {
	id := ids.AgentID(c.Param("id"))
	rate, err := s.ctrl.TPS(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]float64{"tps": rate})
}

// envView is the operator-facing projection of a compiled Environment,
// including how many of its node keys are currently bound to agents.
type envView struct {
	ID         ids.EnvID     `json:"id"`
	Storage    ids.StorageID `json:"storage"`
	Network    ids.NetworkID `json:"network"`
	NodesBound int           `json:"nodes_bound"`
	Cannons    int           `json:"cannons"`
}

func newEnvView(e *env.Environment) envView {
	bound := 0
	for _, state := range e.NodeStates {
		if state.Kind == env.EnvNodeInternal {
			bound++
		}
	}
	return envView{ID: e.ID, Storage: e.Storage, Network: e.Network, NodesBound: bound, Cannons: len(e.Cannons)}
}

func (s *Server) listEnvHandler(c *echo.Context) error {
	envs := s.ctrl.ListEnvs()
	out := make([]envView, 0, len(envs))
	for _, e := range envs {
		out = append(out, newEnvView(e))
	}
	return c.JSON(http.StatusOK, out)
}

// prepareEnvHandler implements POST /api/v1/env/{id}/prepare: the
// request body is a `---`-separated YAML document stream, parsed and
// compiled (or patched, if id already exists) into a concrete set of
// agent assignments.
func (s *Server) prepareEnvHandler(c *echo.Context) error {
	id := ids.EnvID(c.Param("id"))

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	docs, err := env.ParseDocumentBytes(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, errorEnvelope{
			Errors: []errorItem{{Type: "parse-error", Error: err.Error()}},
		})
	}

	compiled, err := s.ctrl.ApplyEnv(c.Request().Context(), id, docs)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newEnvView(compiled))
}

func (s *Server) deleteEnvHandler(c *echo.Context) error {
	id := ids.EnvID(c.Param("id"))
	if err := s.ctrl.DeleteEnv(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) prometheusConfigHandler(c *echo.Context) error {
	data, err := yaml.Marshal(s.ctrl.PrometheusConfig())
	if err != nil {
		return mapServiceError(err)
	}
	return c.Blob(http.StatusOK, "application/yaml", data)
}

// cannonStateRootHandler and cannonBroadcastHandler answer the
// cannon-proxy endpoints: a fake blockchain REST surface so a node
// (or wallet tooling) pointed at a cannon sees something that looks
// like the real network.
func (s *Server) cannonStateRootHandler(c *echo.Context) error {
	id := ids.CannonID(c.Param("cannon"))
	root, err := s.ctrl.CannonStateRoot(id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"stateRoot": root})
}

func (s *Server) cannonBroadcastHandler(c *echo.Context) error {
	id := ids.CannonID(c.Param("cannon"))
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	txID, err := s.ctrl.CannonProxyBroadcast(c.Request().Context(), id, body)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"transaction_id": txID})
}
