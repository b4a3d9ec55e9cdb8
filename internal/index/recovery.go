package index

// MessageInfo describes one message recovered from the log beyond the
// index's prior end, as handed back by MessageStoreRecovery. It is also
// the unit FindEntriesSince returns to replication consumers.
type MessageInfo struct {
	StoreKey           StoreKey
	Size               uint64
	IsDeleted          bool
	ExpirationTimeInMs int64
}

// MessageStoreRecovery reconciles on-disk index segments against the log on
// startup. The index core calls it but never implements it: recovering
// message boundaries out of raw log bytes is a concern of the log's record
// framing, not the index.
type MessageStoreRecovery interface {
	Recover(log Log, startOffset, endOffset uint64, factory StoreKeyFactory) ([]MessageInfo, error)
}
