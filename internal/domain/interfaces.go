package domain

// EntityReader is the read side of the entity cache.
// Missing ids are absent from the result; a miss is never an error.
type EntityReader interface {
	Get(kind Kind, ids []ID) map[ID]*Entity
}

// SubscriptionRegistry bounds entity retention by the lineups and queues
// referencing them. Owner scopes UIDs so two holders of the same UID do not
// release each other.
type SubscriptionRegistry interface {
	Subscribe(kind Kind, owner string, subs []Subscription)
	Unsubscribe(kind Kind, owner string, uids []UID)
}

// Subscription ties one occurrence (UID) to the entity it references
type Subscription struct {
	UID UID
	ID  ID
}
