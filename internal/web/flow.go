package web

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/thegridelectric/gwproactor/internal/flow"
	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/message"
)

// flowNode resolves the {node} path variable to a flow module of class.
// It writes the error response and returns false when there is none.
func (s *Server) flowNode(w http.ResponseWriter, r *http.Request, class string) (string, *layout.FlowConfig, bool) {
	name := mux.Vars(r)["node"]
	node, ok := s.opts.Layout.Node(name)
	if !ok || node.ActorClass != class {
		http.NotFound(w, r)
		return "", nil, false
	}
	comp, ok := s.opts.Layout.Component(name)
	if !ok || comp.Flow == nil {
		http.NotFound(w, r)
		return "", nil, false
	}
	return name, comp.Flow, true
}

func (s *Server) post(node string, p message.Payload) {
	s.opts.Sink.SendThreadsafe(message.New(s.opts.Node, node, p))
}

func (s *Server) handleHallParams(w http.ResponseWriter, r *http.Request) {
	node, _, ok := s.flowNode(w, r, layout.ClassFlowHall)
	if !ok {
		return
	}
	var p flow.HallParams
	if err := decodeBody(w, r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.post(node, &p)
	writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleTicklistHall(w http.ResponseWriter, r *http.Request) {
	node, _, ok := s.flowNode(w, r, layout.ClassFlowHall)
	if !ok {
		return
	}
	var tl flow.TicklistHall
	if err := decodeBody(w, r, &tl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.post(node, &tl)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReedParams(w http.ResponseWriter, r *http.Request) {
	node, cfg, ok := s.flowNode(w, r, layout.ClassFlowReed)
	if !ok {
		return
	}
	var p flow.ReedParams
	if err := decodeBody(w, r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p = p.WithDefaults(*cfg)
	s.post(node, &p)
	writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleTicklistReed(w http.ResponseWriter, r *http.Request) {
	node, _, ok := s.flowNode(w, r, layout.ClassFlowReed)
	if !ok {
		return
	}
	var tl flow.TicklistReed
	if err := decodeBody(w, r, &tl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.post(node, &tl)
	w.WriteHeader(http.StatusOK)
}
