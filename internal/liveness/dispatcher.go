package liveness

// Dispatcher applies a liveness command to every adjacency of a circuit.
type Dispatcher struct {
	ctrl *Controller
}

// Dispatch applies cmd to each adjacency on circuit: both level databases of
// a broadcast circuit, or the neighbor of a point-to-point one.
func (d *Dispatcher) Dispatch(circuit Circuit, cmd CommandKind) {
	forEachAdjacency(circuit, func(adj Adjacency) {
		d.ctrl.AdjacencyCommand(adj, cmd)
	})
}

func forEachAdjacency(circuit Circuit, fn func(Adjacency)) {
	switch circuit.Kind() {
	case CircuitBroadcast:
		for _, level := range [...]Level{Level1, Level2} {
			for _, adj := range circuit.LevelAdjacencies(level) {
				fn(adj)
			}
		}
	case CircuitPointToPoint:
		if n := circuit.Neighbor(); n != nil {
			fn(n)
		}
	}
}
