package receipt

import "context"

// Publisher receives the full row image after every committed update
type Publisher interface {
	Publish(row Row)
}

// NotifyingDB decorates a DB so that updates are pushed to a change feed
type NotifyingDB struct {
	DB
	publisher Publisher
}

// NewNotifyingDB wraps db; inserts and deletes are not published
func NewNotifyingDB(db DB, publisher Publisher) *NotifyingDB {
	return &NotifyingDB{DB: db, publisher: publisher}
}

// UpdateReceipt updates the record and publishes the committed row
func (n *NotifyingDB) UpdateReceipt(ctx context.Context, id string, fn func(*Receipt) error) (*Receipt, error) {
	updated, err := n.DB.UpdateReceipt(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	n.publisher.Publish(ToRow(updated))
	return updated, nil
}
