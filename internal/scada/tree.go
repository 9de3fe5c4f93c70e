package scada

import (
	"fmt"

	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/status"
)

// TreeActor applies command-tree switches and broadcasts the result. The
// broadcast is fire-and-forget: a command already queued under the old
// tree is judged by its receiver against the new handles.
type TreeActor struct {
	svc       proactor.Services
	mgr       *cmdtree.Manager
	tracker   *status.Tracker
	listeners []string
}

// NewTreeActor builds the command-tree actor. listeners receive every
// NewCommandTree.
func NewTreeActor(svc proactor.Services, mgr *cmdtree.Manager, tracker *status.Tracker, listeners []string) *TreeActor {
	t := &TreeActor{svc: svc, mgr: mgr, tracker: tracker, listeners: listeners}
	t.report()
	return t
}

func (t *TreeActor) Name() string { return cmdtree.TreeManager }

func (t *TreeActor) ProcessMessage(m *message.Message) error {
	sw, ok := m.Payload.(*cmdtree.SwitchTree)
	if !ok {
		return problems.New(0).AddWarning(fmt.Errorf("%s: unexpected %s", t.Name(), m.Header.MessageType))
	}
	prev := t.mgr.Current()
	snap, err := t.mgr.Switch(sw.Tree, t.svc.Now().UnixMilli())
	if err != nil {
		return err
	}
	t.svc.Logger().Info("command tree", "from", prev, "to", sw.Tree, "requested_by", m.Header.Src)
	for _, name := range t.listeners {
		cp := *snap
		t.svc.Send(message.New(t.Name(), name, &cp))
	}
	t.report()
	return nil
}

func (t *TreeActor) report() {
	if t.tracker == nil {
		return
	}
	handles, err := t.mgr.Handles(t.mgr.Current())
	if err == nil {
		t.tracker.SetCommandTree(string(t.mgr.Current()), handles)
	}
}
