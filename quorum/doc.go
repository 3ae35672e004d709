// Package quorum drives one broadcast/collect round per register phase.
//
// A caller starts a round with BeginPhase and blocks until enough replicas
// have answered. The per-replica send loops feed every reply (or its absence)
// to OnReply, which decides whether the reply belongs to the outstanding
// request and hands back the request that replica should keep receiving.
package quorum
