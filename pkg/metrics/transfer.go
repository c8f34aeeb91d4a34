package metrics

import "time"

// TransferMetrics observes data-plane activity.
//
// A nil TransferMetrics is valid everywhere it is accepted; callers guard
// with a nil check so disabled metrics cost nothing.
type TransferMetrics interface {
	// ObserveOperation records one completed data-plane operation.
	// status is the HTTP status returned to the client.
	ObserveOperation(op, backend string, status int, duration time.Duration)

	// AddBytes counts payload bytes moved by op against a backend kind.
	AddBytes(op, backend string, n int64)

	// ConnectionOpened and ConnectionClosed track live data-plane connections.
	ConnectionOpened()
	ConnectionClosed()

	// AdmissionRejected counts bind attempts refused at the connection ceiling.
	AdmissionRejected()
}

// TicketMetrics observes control-plane outcomes not visible in registry
// snapshots.
type TicketMetrics interface {
	// DrainTimeout counts remove calls that returned before connections drained.
	DrainTimeout()

	// ObserveRequest records one control-plane request.
	ObserveRequest(op string, status int, duration time.Duration)
}
