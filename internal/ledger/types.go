package ledger

// Entry is one side of an ownership record: the peer id when stored under an
// object, the object id when stored under a peer.
type Entry struct {
	ID        string
	Type      string
	Ephemeral bool // removed with its owner when the owner leaves
}
