package main

import (
	"context"
	"fmt"
	"net"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/nimblekv/raft/pkg/raft"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
}

type RaftCfg struct {
	Servers           raft.ServerSet `json:"servers"`
	DataDirectory     string         `json:"dataDirectory"`
	ElectionTimeoutMs int            `json:"electionTimeoutMs"`
	ElectionSplayMs   int            `json:"electionSplayMs"`
	HeartbeatMs       int            `json:"heartbeatMs"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	id raft.ServerId

	store     *Store
	transport *raft.HTTPTransport
	node      *raft.Node
	apiServer *APIServer

	cancelRun context.CancelFunc
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)
	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for _, server := range cfg.Servers {
			v.CheckStringNotEmpty("localAddress", string(server.LocalAddress))
			v.CheckStringNotEmpty("publicAddress", string(server.PublicAddress))
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := s.Program.ArgumentValue("id")
	s.id = raft.ServerId(instanceId)

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	raftServerCfg := s.Cfg.Raft.Servers[s.id]
	host, _, _ := net.SplitHostPort(string(raftServerCfg.LocalAddress))

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, "8081"),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	cfg.HTTPServers["raft"] = &shttp.ServerCfg{
		Address:               string(raftServerCfg.LocalAddress),
		LogSuccessfulRequests: false,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.store = NewStore()

	if err := s.initRaftNode(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	s.initRaftServer()

	return nil
}

func (s *Service) initRaftNode() error {
	logger := s.Log.Child("raft", log.Data{
		"instance": string(s.id),
	})

	s.transport = raft.NewHTTPTransport(s.id, s.Cfg.Raft.Servers, logger)

	msOrDefault := func(ms, fallback int) time.Duration {
		if ms <= 0 {
			ms = fallback
		}
		return time.Duration(ms) * time.Millisecond
	}

	nodeCfg := raft.NodeCfg{
		Id:            s.id,
		Cluster:       s.Cfg.Raft.Servers,
		DataDirectory: s.Cfg.Raft.DataDirectory,
		Logger:        logger,
		Config: raft.Config{
			RPCProvider:       s.transport,
			ElectionTimeout:   msOrDefault(s.Cfg.Raft.ElectionTimeoutMs, 150),
			ElectionSplay:     msOrDefault(s.Cfg.Raft.ElectionSplayMs, 150),
			HeartbeatInterval: msOrDefault(s.Cfg.Raft.HeartbeatMs, 50),
		},
		CommitHandler: s.applyCommand,
	}

	node, err := raft.NewNode(nodeCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft node: %w", err)
	}

	s.node = node
	s.transport.BindNode(node)

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) initRaftServer() {
	s.Service.HTTPServer("raft").Route("/raft", "POST", func(h *shttp.Handler) {
		s.transport.ServeHTTP(h.ResponseWriter, h.Request)
	})
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.node.Start(); err != nil {
		return fmt.Errorf("cannot start raft node: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go s.node.Run(ctx)

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.node.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}

func (s *Service) applyCommand(command []byte) {
	op, err := DecodeOp(command)
	if err != nil {
		s.Log.Error("cannot decode committed operation: %v", err)
		return
	}

	s.store.ApplyOp(op)
}
