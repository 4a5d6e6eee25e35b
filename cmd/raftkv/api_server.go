package main

import (
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/nimblekv/raft/pkg/raft"
)

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)

	api.Route("/status", "GET", api.hStatusGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.store.List())
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, found := api.Service.store.Get(key)
	if !found {
		h.ReplyError(404, "notFound", "key not found")
		return
	}

	h.ReplyJSON(200, struct {
		Value string `json:"value"`
	}{Value: value})
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	var body struct {
		Value string `json:"value"`
	}
	if err := h.JSONRequestData(&body); err != nil {
		h.ReplyError(400, "invalidRequestBody", "%v", err)
		return
	}

	op := &OpPut{Key: key, Value: body.Value}
	if !api.submit(h, op) {
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	op := &OpDelete{Key: key}
	if !api.submit(h, op) {
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	h.ReplyJSON(200, struct {
		Id          raft.ServerId `json:"id"`
		Role        raft.Role     `json:"role"`
		CurrentTerm raft.Term     `json:"currentTerm"`
		LeaderId    raft.ServerId `json:"leaderId"`
		LogSize     int           `json:"logSize"`
	}{
		Id:          api.Service.id,
		Role:        api.Service.node.Role(),
		CurrentTerm: api.Service.node.CurrentTerm(),
		LeaderId:    api.Service.node.LeaderID(),
		LogSize:     api.Service.node.LogSize(),
	})
}

// submit encodes op and drives it through consensus via the local
// Node. It replies with an appropriate error and returns false if the
// command could not be committed.
func (api *APIServer) submit(h *shttp.Handler, op Op) bool {
	data, err := EncodeOp(op)
	if err != nil {
		h.ReplyError(500, "encodingError", "cannot encode operation: %v", err)
		return false
	}

	resp := api.Service.node.HandleCommand(h.Request.Context(), &raft.CommandRequest{Command: data})
	if !resp.Success {
		h.ReplyError(503, "commandNotCommitted", "command was not committed, retry against the current leader")
		return false
	}

	return true
}
