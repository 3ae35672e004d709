package protocol

// Connection addresses one replica. Id is the replica's position in the
// configured node list; both the stream and the datagram listener of the
// replica share Address.
type Connection struct {
	Id      uint64
	Address string
}
