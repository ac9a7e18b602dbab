package liveness

// Replayer re-registers the client and every desired session with the
// detection service after it (re)connects or loses its state.
type Replayer struct {
	topo Topology
	ctrl *Controller
}

// NewReplayer returns a Replayer that walks topo and issues commands through
// ctrl.
func NewReplayer(topo Topology, ctrl *Controller) *Replayer {
	return &Replayer{topo: topo, ctrl: ctrl}
}

// OnServiceConnected registers this daemon as a client. It runs on every
// connection, the first one included.
func (r *Replayer) OnServiceConnected() {
	r.registerClient()
}

// OnReplayRequested resends every session. The service is assumed to have
// lost all state, so each up adjacency re-announces each of its sessions
// with an Update.
func (r *Replayer) OnReplayRequested() {
	r.registerClient()
	r.ctrl.trace("got neighbor replay request, resending neighbors")

	for _, area := range r.topo.Areas() {
		for _, circuit := range area.Circuits() {
			r.ctrl.dispatcher.Dispatch(circuit, CommandUpdate)
		}
	}

	r.ctrl.trace("done with replay")
}

func (r *Replayer) registerClient() {
	r.ctrl.trace("registering client")
	r.ctrl.service.Send(Command{Kind: CommandClientRegister})
}
