// Package channel carries register and gossip frames between nodes over
// TCP and UDP.
//
// The receiving side keeps, per sender, the last sequence number it acted on
// and the response it produced. A frame whose sequence differs from the
// tracked one is a new request: the handler runs once and its response is
// cached. A frame with the tracked sequence is a retransmission and gets the
// cached response back without touching the handler. Any differing value
// counts as new, including smaller ones, so a node whose counters were
// corrupted converges back to acting once per request.
//
// The sending side (Sender) mirrors this: it keeps its sequence until the
// peer echoes it, and only then moves on to the next one.
package channel
